package auth

import (
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// Principal is the caller a bearer token identifies.
type Principal struct {
	CustomerID string
	Role       Role
}

func (p Principal) IsStaff() bool {
	return p.Role == RoleStaff
}

// CanAccess reports whether the caller may act on customerID's wallet or orders.
func (p Principal) CanAccess(customerID string) bool {
	return p.IsStaff() || (customerID != "" && p.CustomerID == customerID)
}

type TokenManager struct {
	secretKey []byte
	ttl       time.Duration
}

func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{secretKey: []byte(secretKey), ttl: 24 * time.Hour}
}

func (tm *TokenManager) GenerateToken(p Principal) (string, error) {
	if p.Role == "" {
		p.Role = RoleCustomer
	}
	claims := jwt.MapClaims{
		"sub":  p.CustomerID,
		"role": string(p.Role),
		"exp":  time.Now().Add(tm.ttl).Unix(),
		"iat":  time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

func (tm *TokenManager) ParseToken(tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errs.ErrInvalidToken
		}
		return tm.secretKey, nil
	})

	if err != nil || !token.Valid {
		return Principal{}, errs.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errs.ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errs.ErrInvalidToken
	}

	role, _ := claims["role"].(string)
	switch Role(role) {
	case RoleCustomer, RoleStaff:
	case "":
		role = string(RoleCustomer)
	default:
		return Principal{}, errs.ErrInvalidToken
	}

	return Principal{CustomerID: sub, Role: Role(role)}, nil
}
