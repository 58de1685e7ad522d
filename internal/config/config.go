package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserUUID    string `mapstructure:"DEV_USER_UUID"`

	OpenMRSBaseURL  string `mapstructure:"OPENMRS_BASE_URL"`
	OpenMRSUsername string `mapstructure:"OPENMRS_USERNAME"`
	OpenMRSPassword string `mapstructure:"OPENMRS_PASSWORD"`
	DHIS2BaseURL    string `mapstructure:"DHIS2_BASE_URL"`
	DHIS2Username   string `mapstructure:"DHIS2_USERNAME"`
	DHIS2Password   string `mapstructure:"DHIS2_PASSWORD"`

	HTTPClientTimeout time.Duration `mapstructure:"HTTP_CLIENT_TIMEOUT"`
	HTTPClientRetries int           `mapstructure:"HTTP_CLIENT_RETRIES"`

	MessageTTLMs       int           `mapstructure:"MESSAGE_TTL_MS"`
	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`

	MQTTBroker      string `mapstructure:"MQTT_BROKER"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`

	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileBatch       int           `mapstructure:"RECONCILE_BATCH"`
	ReconcileMaxAttempts int           `mapstructure:"RECONCILE_MAX_ATTEMPTS"`
	DispatchLease        time.Duration `mapstructure:"DISPATCH_LEASE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_USER_UUID",
	"OPENMRS_BASE_URL", "OPENMRS_USERNAME", "OPENMRS_PASSWORD",
	"DHIS2_BASE_URL", "DHIS2_USERNAME", "DHIS2_PASSWORD",
	"HTTP_CLIENT_TIMEOUT", "HTTP_CLIENT_RETRIES",
	"MESSAGE_TTL_MS", "SESSION_IDLE_TIMEOUT",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_TOPIC_PREFIX",
	"RECONCILE_INTERVAL", "RECONCILE_BATCH", "RECONCILE_MAX_ATTEMPTS", "DISPATCH_LEASE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "30s")
	v.SetDefault("HTTP_CLIENT_RETRIES", 2)
	v.SetDefault("MESSAGE_TTL_MS", 2000)
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("MQTT_CLIENT_ID", "lis-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "lis")
	v.SetDefault("RECONCILE_INTERVAL", "1m")
	v.SetDefault("RECONCILE_BATCH", 50)
	v.SetDefault("RECONCILE_MAX_ATTEMPTS", 5)
	v.SetDefault("DISPATCH_LEASE", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "shared" (HS256 tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "shared"
}

// MessageTTL is how long a transient operator message stays visible.
func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLMs) * time.Millisecond
}

// Validate checks that the configuration is safe to run. Outside development
// mode a token issuer or signing key must be configured, and both LIS and
// tracker base URLs must be absolute.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	case "shared":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters when AUTH_MODE is \"shared\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"external\", or \"shared\", got %q", mode)
	}

	if err := requireURL("OPENMRS_BASE_URL", c.OpenMRSBaseURL); err != nil {
		return err
	}
	if err := requireURL("DHIS2_BASE_URL", c.DHIS2BaseURL); err != nil {
		return err
	}

	if c.MessageTTLMs <= 0 {
		return fmt.Errorf("MESSAGE_TTL_MS must be positive, got %d", c.MessageTTLMs)
	}
	if c.HTTPClientRetries < 0 {
		return fmt.Errorf("HTTP_CLIENT_RETRIES must not be negative, got %d", c.HTTPClientRetries)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}
	// A lease shorter than one round of client calls lets a retry take over
	// a dispatch that is still running.
	if c.DispatchLease < 0 {
		return fmt.Errorf("DISPATCH_LEASE must not be negative, got %s", c.DispatchLease)
	}
	if round := c.HTTPClientTimeout * time.Duration(c.HTTPClientRetries+1); c.DispatchLease > 0 && c.DispatchLease <= round {
		return fmt.Errorf("DISPATCH_LEASE (%s) must be longer than HTTP_CLIENT_TIMEOUT across retries (%s)", c.DispatchLease, round)
	}
	return nil
}

func requireURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
