package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/and161185/postwallet/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	tm := auth.NewTokenManager("test-secret")
	validToken, _ := tm.GenerateToken(auth.Principal{CustomerID: "c1"})
	foreignToken, _ := auth.NewTokenManager("other-secret").GenerateToken(auth.Principal{CustomerID: "c1"})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "no header",
			authHeader:     "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "not bearer",
			authHeader:     "Basic " + validToken,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid token",
			authHeader:     "Bearer invalidtoken",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "foreign signature",
			authHeader:     "Bearer " + foreignToken,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "ok",
			authHeader:     "Bearer " + validToken,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()
			mw := AuthMiddleware(tm)
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, ok := PrincipalFrom(r.Context())
				if !ok || p.CustomerID != "c1" {
					t.Errorf("principal not in context: %+v", p)
				}
				w.WriteHeader(http.StatusOK)
			}))

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestRequireStaff(t *testing.T) {
	tests := []struct {
		name           string
		principal      *auth.Principal
		expectedStatus int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"customer", &auth.Principal{CustomerID: "c1", Role: auth.RoleCustomer}, http.StatusForbidden},
		{"staff", &auth.Principal{CustomerID: "ops", Role: auth.RoleStaff}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tt.principal))
			}

			rr := httptest.NewRecorder()
			RequireStaff(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}
