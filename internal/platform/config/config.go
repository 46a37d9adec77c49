// Package config builds the API configuration from a .env file, the process environment and
// Secret Manager references, in increasing order of precedence for the first two.
package config

import (
	"strings"
	"time"
)

const (
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 15 * time.Second
	defaultIdleTimeout        = 60 * time.Second
	defaultEnvironment        = "local"
	defaultStoreDriver        = StoreDriverFirestore
	defaultSQLMaxOpenConns    = 10
	defaultTxMaxAttempts      = 5
	defaultTxTimeout          = 15 * time.Second
	defaultEventsTransport    = EventsTransportLog
	defaultNATSSubjectPrefix  = "delivery"
	defaultOIDCJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer     = "https://accounts.google.com"
	defaultSecurityIAPIssuer  = "https://cloud.google.com/iap"
	defaultOTPCooldown        = 15 * time.Minute
	defaultOTPVerifyPerMinute = 30
	defaultShopTimezone       = "UTC"
	defaultSQLiteDSN          = "file:campusdash.db"
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultIdempotencySweep   = 15 * time.Minute
	defaultIdempotencyBatch   = 200
)

// Store drivers accepted by API_STORE_DRIVER.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverMySQL     = "mysql"
	StoreDriverSQLite    = "sqlite"
)

// Event transports accepted by API_EVENTS_TRANSPORT.
const (
	EventsTransportLog    = "log"
	EventsTransportPubSub = "pubsub"
	EventsTransportNATS   = "nats"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	SQL         SQLConfig
	Events      EventsConfig
	Security    SecurityConfig
	Delivery    DeliveryConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the persistence backend and its transaction bounds.
type StoreConfig struct {
	Driver        string
	TxMaxAttempts int
	TxTimeout     time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every verification consult Firebase so disabled vendor accounts lose access
	// before their token expires.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// SQLConfig configures the MySQL or SQLite connection pool.
type SQLConfig struct {
	MySQLDSN     string
	SQLiteDSN    string
	MaxOpenConns int
}

// EventsConfig selects where delivery events are fanned out.
type EventsConfig struct {
	Transport     string
	PubSubProject string
	PubSubTopic   string
	NATSURL       string
	NATSSubject   string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal callers.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// DeliveryConfig tunes OTP throttling and slot arithmetic.
type DeliveryConfig struct {
	OTPMaxAttempts int
	OTPCooldown    time.Duration
	ShopTimezone   string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	OTPVerifyPerMinute int
}

// IdempotencyConfig controls replay protection for state-changing requests.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Location resolves the configured shop time zone.
func (c DeliveryConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.ShopTimezone)
	if name == "" {
		name = defaultShopTimezone
	}
	return time.LoadLocation(name)
}


// validate lists every missing or inconsistent field at once so a bad deploy fails with one message.
func (c Config) validate() error {
	var fields []string
	require := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	require(c.Server.Port != "", "Server.Port")

	switch c.Store.Driver {
	case StoreDriverFirestore:
		require(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverMySQL:
		require(strings.TrimSpace(c.SQL.MySQLDSN) != "", "SQL.MySQLDSN")
		require(c.SQL.MaxOpenConns > 0, "SQL.MaxOpenConns")
	case StoreDriverSQLite:
		require(strings.TrimSpace(c.SQL.SQLiteDSN) != "", "SQL.SQLiteDSN")
		require(c.SQL.MaxOpenConns > 0, "SQL.MaxOpenConns")
	default:
		fields = append(fields, "Store.Driver")
	}
	require(c.Store.TxMaxAttempts > 0, "Store.TxMaxAttempts")
	require(c.Store.TxTimeout > 0, "Store.TxTimeout")

	switch c.Events.Transport {
	case EventsTransportLog:
	case EventsTransportPubSub:
		require(c.Events.PubSubProject != "", "Events.PubSubProject")
		require(c.Events.PubSubTopic != "", "Events.PubSubTopic")
	case EventsTransportNATS:
		require(c.Events.NATSURL != "", "Events.NATSURL")
	default:
		fields = append(fields, "Events.Transport")
	}

	require(c.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(c.Delivery.OTPMaxAttempts >= 0, "Delivery.OTPMaxAttempts")
	require(c.Delivery.OTPCooldown > 0, "Delivery.OTPCooldown")
	_, err := c.Delivery.Location()
	require(err == nil, "Delivery.ShopTimezone")
	require(c.RateLimits.OTPVerifyPerMinute >= 0, "RateLimits.OTPVerifyPerMinute")
	require(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	require(c.Idempotency.TTL > 0, "Idempotency.TTL")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// ValidationError lists the config fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}
