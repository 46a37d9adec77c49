package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Params bundles the page size and token extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Parse reads page_size and page_token. Sizes above the maximum are clamped and non-positive sizes
// fall back to the default; tokens are validated so a tampered cursor is rejected before any query.
func Parse(values url.Values, opts Options) (Params, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	params := Params{PageSize: defaultPageSize}
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		switch {
		case size <= 0:
		case size > maxPageSize:
			params.PageSize = maxPageSize
		default:
			params.PageSize = size
		}
	}

	if token := strings.TrimSpace(values.Get("page_token")); token != "" {
		if _, _, err := DecodeKeyset(token); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}
	return params, nil
}
