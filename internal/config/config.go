package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or a .env file loaded by main before Load).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Vonage   VonageConfig
	Calls    CallsConfig
	Deepgram DeepgramConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin the provider calls back into,
	// e.g. https://otp.example.com. Callback URLs are built from it.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. Without a host the process uses in-process locking
// and broadcasting, which is only correct for a single worker.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// APIKey is exchanged for operator tokens at POST /auth/token.
	APIKey string
}

type VonageConfig struct {
	ApplicationID string
	// PrivateKey is the PEM-encoded application key. VONAGE_PRIVATE_KEY may carry
	// literal "\n" sequences; VONAGE_PRIVATE_KEY_PATH is read when set.
	PrivateKey string
	FromNumber string
	APIBaseURL string

	// SignatureSecret enables signed-webhook verification when non-empty.
	SignatureSecret string
}

type CallsConfig struct {
	ProviderTimeout time.Duration
	DTMFMaxAttempts int
}

type DeepgramConfig struct {
	APIKey string
	Model  string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.APIKey = os.Getenv("AUTH_API_KEY")

	c.Vonage.ApplicationID = strings.TrimSpace(os.Getenv("VONAGE_APPLICATION_ID"))
	c.Vonage.PrivateKey = strings.ReplaceAll(os.Getenv("VONAGE_PRIVATE_KEY"), `\n`, "\n")
	if path := strings.TrimSpace(os.Getenv("VONAGE_PRIVATE_KEY_PATH")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("VONAGE_PRIVATE_KEY_PATH unreadable: %w", err))
		} else {
			c.Vonage.PrivateKey = string(b)
		}
	}
	c.Vonage.FromNumber = strings.TrimSpace(os.Getenv("VONAGE_FROM_NUMBER"))
	c.Vonage.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("VONAGE_API_BASE_URL")), "/")
	c.Vonage.SignatureSecret = os.Getenv("VONAGE_SIGNATURE_SECRET")

	c.Calls.ProviderTimeout = mustDuration("PROVIDER_TIMEOUT")
	if v := strings.TrimSpace(os.Getenv("DTMF_MAX_ATTEMPTS")); v != "" {
		n, err := mustInt("DTMF_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.DTMFMaxAttempts = n
	}

	c.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	c.Deepgram.Model = strings.TrimSpace(os.Getenv("DEEPGRAM_MODEL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		// The in-memory store is a local convenience only.
		if c.App.Env != "local" {
			errs = append(errs, errors.New("DB_HOST is required outside local"))
		}
	} else {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.Host == "" && c.IsProduction() {
		errs = append(errs, errors.New("REDIS_HOST is required in production"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.APIKey == "" {
		errs = append(errs, errors.New("AUTH_API_KEY is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Vonage.SignatureSecret == "" {
			errs = append(errs, errors.New("VONAGE_SIGNATURE_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Vonage.ApplicationID == "" {
		errs = append(errs, errors.New("VONAGE_APPLICATION_ID is required"))
	}
	if strings.TrimSpace(c.Vonage.PrivateKey) == "" {
		errs = append(errs, errors.New("VONAGE_PRIVATE_KEY or VONAGE_PRIVATE_KEY_PATH is required"))
	}
	if c.Vonage.FromNumber == "" {
		errs = append(errs, errors.New("VONAGE_FROM_NUMBER is required"))
	}
	if c.Vonage.APIBaseURL == "" {
		c.Vonage.APIBaseURL = "https://api.nexmo.com"
	}

	if c.Calls.ProviderTimeout <= 0 {
		c.Calls.ProviderTimeout = 10 * time.Second
	}
	if c.Calls.DTMFMaxAttempts == 0 {
		c.Calls.DTMFMaxAttempts = 3
	}
	if c.Calls.DTMFMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("DTMF_MAX_ATTEMPTS must be positive, got %d", c.Calls.DTMFMaxAttempts))
	}

	if c.Deepgram.Model == "" {
		c.Deepgram.Model = "nova-2"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// UsePostgres reports whether a database is configured.
func (c Config) UsePostgres() bool {
	return c.DB.Host != ""
}

// UseRedis reports whether cross-worker locking and fan-out are available.
func (c Config) UseRedis() bool {
	return c.Redis.Host != ""
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
