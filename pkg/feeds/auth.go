package feeds

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// requesterFromAuth extracts the requesting account's DID from the iss claim
// of a bearer service token. The signature is not checked: the DID only
// selects whose followings to show and grants no access.
func requesterFromAuth(header string) (string, error) {
	if header == "" {
		return "", nil
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed jwt: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode jwt payload: %w", err)
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("failed to unmarshal jwt claims: %w", err)
	}

	iss, _, _ := strings.Cut(claims.Iss, "#")
	did, err := syntax.ParseDID(iss)
	if err != nil {
		return "", fmt.Errorf("invalid iss claim: %w", err)
	}

	return did.String(), nil
}
