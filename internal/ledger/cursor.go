package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/postwallet/internal/errs"
)

// cursor pins a history listing to the ledger head seen on its first page.
type cursor struct {
	Head int64 `json:"h"`
	Last int64 `json:"l"`
	Asc  bool  `json:"a,omitempty"`
}

func encodeCursor(c cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCursor(token string) (cursor, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return cursor{}, false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, false, errs.Validationf("invalid cursor")
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil || c.Head < 0 || c.Last < 0 {
		return cursor{}, false, errs.Validationf("invalid cursor")
	}
	return c, true, nil
}
