package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// keyset is the last row of a page ordered by (timestamp, id) descending: cutoff time for batches,
// creation time for audit entries.
type keyset struct {
	At string `json:"at"`
	ID string `json:"id"`
}

// EncodeKeyset returns an opaque URL-safe token for the row (at, id).
func EncodeKeyset(at time.Time, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("pagination: keyset id is required")
	}
	data, err := json.Marshal(keyset{At: at.UTC().Format(time.RFC3339Nano), ID: id})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeKeyset(token string) (time.Time, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, "", ErrInvalidPageToken
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var pos keyset
	if err := json.Unmarshal(data, &pos); err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if pos.ID == "" {
		return time.Time{}, "", ErrInvalidPageToken
	}
	at, err := time.Parse(time.RFC3339Nano, pos.At)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return at.UTC(), pos.ID, nil
}
