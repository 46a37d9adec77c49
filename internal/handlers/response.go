package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

const fallbackBodyLimit = 8 << 10

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

// readLimitedBody returns the raw body, rejecting blank payloads and anything longer than limit bytes.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = fallbackBodyLimit
	}
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r.Body, limit+1))
	switch {
	case err != nil:
		return nil, err
	case n > limit:
		return nil, errBodyTooLarge
	case len(bytes.TrimSpace(buf.Bytes())) == 0:
		return nil, errEmptyBody
	}
	return buf.Bytes(), nil
}

// decodeOptionalBody leaves dst untouched when the client sent nothing.
func decodeOptionalBody(r *http.Request, limit int64, dst any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

// parseFilterValues accepts both repeated params and comma lists (?status=A&status=b,C),
// upper-cases entries and keeps first occurrences only.
func parseFilterValues(values []string) []string {
	var out []string
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			v := strings.ToUpper(strings.TrimSpace(part))
			if v != "" && !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
