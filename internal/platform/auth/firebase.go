package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/campusdash/api/internal/platform/config"
)

// idTokenClient is the part of the Admin SDK auth client the verifier calls.
type idTokenClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks vendor and customer ID tokens. Revocation checks cost a round trip to
// Firebase per call and are off unless configured.
type FirebaseVerifier struct {
	client       idTokenClient
	timeout      time.Duration
	checkRevoked bool
}

type FirebaseOption func(*FirebaseVerifier)

func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck rejects tokens minted before the account was disabled or signed out everywhere.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) { v.checkRevoked = enabled }
}

// NewFirebaseVerifier dials the Admin SDK for cfg.ProjectID. Options given here take precedence
// over cfg.CheckRevoked.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	project := strings.TrimSpace(cfg.ProjectID)
	if project == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var dial []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		dial = append(dial, option.WithCredentialsFile(path))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: project}, dial...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app for %s: %w", project, err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client for %s: %w", project, err)
	}
	return newFirebaseVerifier(client, append([]FirebaseOption{WithRevocationCheck(cfg.CheckRevoked)}, opts...)...), nil
}

func newFirebaseVerifier(client idTokenClient, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("auth: firebase verifier not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	verify := v.client.VerifyIDToken
	if v.checkRevoked {
		verify = v.client.VerifyIDTokenAndCheckRevoked
	}
	return verify(ctx, idToken)
}
