package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/campusdash/api/internal/platform/config"
)

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	t.Setenv(envEmulatorHost, "")

	provider := NewProvider(config.FirestoreConfig{})
	if _, err := provider.Client(context.Background()); err == nil {
		t.Fatal("expected error without project id")
	}
	// a failed dial is not cached
	if _, err := provider.Client(context.Background()); err == nil || errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected dial error on retry, got %v", err)
	}
}

func TestProviderClosedRejectsClient(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "campus-test"})
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := provider.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestProviderClientHonoursContextWhileDialInFlight(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "campus-test"})
	provider.dialing <- struct{}{}
	defer provider.release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := provider.Client(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProviderEmulatorHostPrefersConfig(t *testing.T) {
	t.Setenv(envEmulatorHost, "env-host:8080")
	if got := NewProvider(config.FirestoreConfig{EmulatorHost: " cfg-host:9090 "}).emulatorHost(); got != "cfg-host:9090" {
		t.Fatalf("expected config host, got %q", got)
	}
	if got := NewProvider(config.FirestoreConfig{}).emulatorHost(); got != "env-host:8080" {
		t.Fatalf("expected env host, got %q", got)
	}
}
