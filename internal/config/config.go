package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the bridge process.
// It is constructed once at startup, validated, and passed by reference;
// no business logic reads environment variables directly.
type Config struct {
	App       AppConfig
	Calls     CallsConfig
	Carrier   CarrierConfig
	Inference InferenceConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicDomain is the externally reachable host used when handing the
	// carrier a websocket URL for the media stream (no scheme, no path).
	PublicDomain string
}

// CallsConfig is the admission and relay tuning surface.
type CallsConfig struct {
	// CooldownWindow is the minimum spacing between accepted calls to the
	// same destination number. Source docs disagree on the value (1m vs 5m),
	// so it is configurable and never hard-coded.
	CooldownWindow time.Duration

	MaxConcurrentCalls      int
	MaxInferenceConnections int

	// HandshakeTimeout bounds the Connecting phase of a bridge: pool lease
	// acquisition plus the inference session handshake.
	HandshakeTimeout time.Duration

	Voice   string
	Persona string

	// AllowedNumbers is the authorization allow-list. Empty plus
	// BlanketAllow=false rejects every number.
	AllowedNumbers []string
	BlanketAllow   bool
}

type CarrierConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// APIBaseURL lets tests point the dialer at a local server.
	APIBaseURL string
}

type InferenceConfig struct {
	APIKey string

	// RealtimeURL is the full websocket URL including the model query param.
	RealtimeURL string
}

// DBConfig is optional: without a DB the call log falls back to the
// in-memory repository.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig is optional: without Redis the rate limiter is in-memory.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration
}

const (
	defaultCooldown         = time.Minute
	defaultMaxCalls         = 10
	defaultMaxConnections   = 20
	defaultHandshakeTimeout = 10 * time.Second
	defaultVoice            = "sage"
)

// DefaultPersona is the out-of-the-box instruction set for the inference
// session; deployments override it via CALL_PERSONA.
const DefaultPersona = "You are an AI agent handling an introductory onboarding call. " +
	"Ask pointed, sharp questions, understand what the caller has built and what they " +
	"want to do next, and keep the tone relaxed and conversational. Do not ask too " +
	"many questions in one response."

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicDomain = strings.TrimSpace(os.Getenv("PUBLIC_DOMAIN"))

	c.Calls.CooldownWindow = durationOr("CALL_COOLDOWN", defaultCooldown)
	c.Calls.MaxConcurrentCalls = intOr("MAX_CONCURRENT_CALLS", defaultMaxCalls)
	c.Calls.MaxInferenceConnections = intOr("MAX_INFERENCE_CONNECTIONS", defaultMaxConnections)
	c.Calls.HandshakeTimeout = durationOr("HANDSHAKE_TIMEOUT", defaultHandshakeTimeout)
	c.Calls.Voice = stringOr("CALL_VOICE", defaultVoice)
	c.Calls.Persona = stringOr("CALL_PERSONA", DefaultPersona)
	c.Calls.AllowedNumbers = splitList(os.Getenv("ALLOWED_NUMBERS"))
	c.Calls.BlanketAllow = boolOr("ALLOW_ALL_NUMBERS", false)

	c.Carrier.AccountSID = strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_SID"))
	c.Carrier.AuthToken = os.Getenv("CARRIER_AUTH_TOKEN")
	c.Carrier.FromNumber = strings.TrimSpace(os.Getenv("CARRIER_FROM_NUMBER"))
	c.Carrier.APIBaseURL = stringOr("CARRIER_API_BASE_URL", "https://api.twilio.com/2010-04-01")

	c.Inference.APIKey = os.Getenv("INFERENCE_API_KEY")
	c.Inference.RealtimeURL = stringOr("INFERENCE_REALTIME_URL",
		"wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intOr("DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intOr("REDIS_PORT", 6379)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.AccessTokenTTL = durationOr("JWT_ACCESS_TTL", 15*time.Minute)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicDomain == "" && c.IsProduction() {
		errs = append(errs, errors.New("PUBLIC_DOMAIN is required in production"))
	}

	if c.Calls.CooldownWindow <= 0 {
		errs = append(errs, errors.New("CALL_COOLDOWN must be positive"))
	}
	if c.Calls.MaxConcurrentCalls <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must be positive"))
	}
	if c.Calls.MaxInferenceConnections < c.Calls.MaxConcurrentCalls {
		errs = append(errs, fmt.Errorf(
			"MAX_INFERENCE_CONNECTIONS (%d) must be >= MAX_CONCURRENT_CALLS (%d)",
			c.Calls.MaxInferenceConnections, c.Calls.MaxConcurrentCalls))
	}
	if c.Calls.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TIMEOUT must be positive"))
	}

	if c.Carrier.AccountSID == "" {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_SID is required"))
	}
	if c.Carrier.AuthToken == "" {
		errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required"))
	}
	if c.Carrier.FromNumber == "" {
		errs = append(errs, errors.New("CARRIER_FROM_NUMBER is required"))
	}

	if c.Inference.APIKey == "" {
		errs = append(errs, errors.New("INFERENCE_API_KEY is required"))
	}

	if c.DB.Host != "" {
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be positive"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// HasDB reports whether a Postgres call-log repository should be used.
func (c Config) HasDB() bool { return c.DB.Host != "" }

// HasRedis reports whether the Redis rate-limit store should be used.
func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// MediaStreamURL is the websocket URL handed to the carrier in TwiML.
func (c Config) MediaStreamURL() string {
	return fmt.Sprintf("wss://%s/media-stream", c.App.PublicDomain)
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

func intOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func boolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
