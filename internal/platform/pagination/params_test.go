package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token got %q", params.PageToken)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	cases := map[string]int{
		"30":  30,
		"400": 40,
		"0":   25,
		"-3":  25,
	}
	for raw, expected := range cases {
		params, err := Parse(url.Values{"page_size": {raw}}, opts)
		if err != nil {
			t.Fatalf("page_size=%s: unexpected error %v", raw, err)
		}
		if params.PageSize != expected {
			t.Fatalf("page_size=%s: expected %d got %d", raw, expected, params.PageSize)
		}
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	_, err := Parse(url.Values{"page_size": {"abc"}}, Options{})
	if !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize got %v", err)
	}
}

func TestParsePageToken(t *testing.T) {
	token, err := EncodeKeyset(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), "bat_1")
	if err != nil {
		t.Fatalf("EncodeKeyset: %v", err)
	}

	params, err := Parse(url.Values{"page_token": {token}}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected token to round trip, got %q", params.PageToken)
	}

	_, err = Parse(url.Values{"page_token": {"%%%not-base64"}}, Options{})
	if !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestKeysetRoundTrip(t *testing.T) {
	at := time.Date(2025, 5, 1, 12, 30, 15, 500, time.FixedZone("JST", 9*3600))
	token, err := EncodeKeyset(at, "ord_9")
	if err != nil {
		t.Fatalf("EncodeKeyset: %v", err)
	}
	gotAt, gotID, err := DecodeKeyset(token)
	if err != nil {
		t.Fatalf("DecodeKeyset: %v", err)
	}
	if !gotAt.Equal(at) || gotID != "ord_9" {
		t.Fatalf("unexpected keyset %s %s", gotAt, gotID)
	}

	if _, err := EncodeKeyset(at, ""); err == nil {
		t.Fatal("expected blank id to be rejected")
	}
	if _, _, err := DecodeKeyset(""); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected empty keyset to be rejected, got %v", err)
	}
	// valid base64 JSON without an id
	if _, _, err := DecodeKeyset("eyJhdCI6IjIwMjUtMDUtMDFUMDA6MDA6MDBaIn0"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected id-less keyset to be rejected, got %v", err)
	}
}
