package collab

import (
	"context"
	"fmt"
	"hash/fnv"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the identity provider is external. It hands the client an opaque,
// verifiable bearer token. The relay side verifies it; the client only
// extracts the profile claims to introduce itself to the session.

type TokenSource interface {
	// must return a fresh token on every call. The connection manager
	// calls this before each dial so that a reconnect never presents a
	// stale credential.
	Token(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

func NewStaticTokenSource(token string) TokenSource {
	return &staticTokenSource{
		token: token,
	}
}

func (self *staticTokenSource) Token(ctx context.Context) (string, error) {
	if self.token == "" {
		return "", ErrAuthUnavailable
	}
	return self.token, nil
}

type Participant struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// extracts the participant profile from the bearer token claims.
// The token is not verified here. Verification belongs to the relay's
// auth gate, which owns the signing keys.
func ParticipantFromToken(token string) (*Participant, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	participant := &Participant{}
	if sub, ok := claims["sub"].(string); ok {
		participant.Id = sub
	}
	if name, ok := claims["name"].(string); ok {
		participant.Name = name
	}
	if participant.Id == "" {
		return nil, fmt.Errorf("token has no subject claim")
	}
	participant.Color = ParticipantColor(participant.Id)
	return participant, nil
}

var participantPalette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#9a6324",
	"#008080",
	"#800000",
}

// deterministic per-id visual tag. Every client derives the same color
// for the same identity without coordination.
func ParticipantColor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return participantPalette[int(h.Sum32())%len(participantPalette)]
}
