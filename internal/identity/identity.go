package identity

import (
	"encoding/json"
	"errors"
)

// Identity is the canonical signed-in user. All engine components compare
// sender IDs against UserID; no other representation of "self" exists past
// this boundary.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
}

// SessionPayload mirrors the authenticated-session responses from the
// backend. Two differently-named fields can carry the user ID depending on
// which endpoint produced the payload; Canonicalize folds them into one.
type SessionPayload struct {
	UserID      string `json:"userId"`
	LegacyID    string `json:"_id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// ErrNoUserID is returned when a session payload carries neither ID field.
var ErrNoUserID = errors.New("session payload has no user id")

// Canonicalize normalizes a session payload into an Identity, preferring
// the modern field over the legacy one.
func Canonicalize(p SessionPayload) (Identity, error) {
	id := p.UserID
	if id == "" {
		id = p.LegacyID
	}
	if id == "" {
		return Identity{}, ErrNoUserID
	}
	return Identity{
		UserID:      id,
		Username:    p.Username,
		DisplayName: p.DisplayName,
	}, nil
}

// Parse decodes a raw session payload and canonicalizes it.
func Parse(raw []byte) (Identity, error) {
	var p SessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Identity{}, err
	}
	return Canonicalize(p)
}

// TokenSource supplies the bearer credential attached to REST calls and the
// websocket upgrade. The auth provider itself is an external collaborator.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource is a TokenSource backed by a fixed credential.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource returns a TokenSource that always yields token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token implements TokenSource.
func (s *StaticTokenSource) Token() (string, error) {
	if s.token == "" {
		return "", errors.New("no credential configured")
	}
	return s.token, nil
}
