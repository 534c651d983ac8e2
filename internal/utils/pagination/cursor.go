package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned for tokens that were not issued by Encode or
// belong to a different scan.
var ErrInvalidToken = errors.New("invalid pagination token")

// Cursor is the keyset position of a battle scan: rows with an id greater
// than AfterID come next. Scope ties the token to the scan that issued it
// (the battle status being paged).
type Cursor struct {
	AfterID string `json:"after_id"`
	Scope   string `json:"scope,omitempty"`
}

// Next builds the cursor following the last row of a page.
func Next(scope, lastID string) Cursor {
	return Cursor{AfterID: lastID, Scope: scope}
}

// Encode turns a Cursor into an opaque URL-safe token.
func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Decode parses a token. An empty token is the first page.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, ErrInvalidToken
	}
	return c, nil
}

// DecodeScoped is Decode plus a check that the token was issued for scope.
func DecodeScoped(token, scope string) (Cursor, error) {
	c, err := Decode(token)
	if err != nil {
		return Cursor{}, err
	}
	if c.Scope != "" && c.Scope != scope {
		return Cursor{}, ErrInvalidToken
	}
	return c, nil
}
