package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with REVIEWS_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string `yaml:"port"`
	LogLevel                    string `yaml:"logLevel"`
	DatabaseURL                 string `yaml:"databaseURL"`
	RedisAddr                   string `yaml:"redisAddr"`
	RedisPassword               string `yaml:"redisPassword"`
	ChallengeTTL                string `yaml:"challengeTTL"`
	ChallengeLength             int    `yaml:"challengeLength"`
	GuestDomain                 string `yaml:"guestDomain"`
	SessionCookieName           string `yaml:"sessionCookieName"`
	SessionCookieSecure         bool   `yaml:"sessionCookieSecure"`
	AccountJWKSURL              string `yaml:"accountJwksURL"`
	AccountPublicKeyPath        string `yaml:"accountPublicKeyPath"`
	JWTIssuer                   string `yaml:"jwtIssuer"`
	JWTAudience                 string `yaml:"jwtAudience"`
	JWTLeeway                   string `yaml:"jwtLeeway"`
	InternalJWTPublicKeyPath    string `yaml:"internalJWTPublicKeyPath"`
	InternalJWTVerifyPublicKeys string `yaml:"internalJWTVerifyPublicKeys"`
	InternalJWTAudience         string `yaml:"internalJWTAudience"`
	InternalAllowedIssuers      string `yaml:"internalAllowedIssuers"`
	TrustedProxyCIDRs           string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins          string `yaml:"corsAllowedOrigins"`
	EventStream                 string `yaml:"eventStream"`
}

// ResolvePath returns the config path to load: REVIEWS_CONFIG when set,
// otherwise ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("REVIEWS_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	stringVars := []struct {
		env string
		dst *string
	}{
		{"REVIEWS_PORT", &cfg.Port},
		{"REVIEWS_LOG_LEVEL", &cfg.LogLevel},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"REVIEWS_CHALLENGE_TTL", &cfg.ChallengeTTL},
		{"REVIEWS_GUEST_DOMAIN", &cfg.GuestDomain},
		{"ACCOUNT_JWKS_URL", &cfg.AccountJWKSURL},
		{"ACCOUNT_PUBLIC_KEY_PATH", &cfg.AccountPublicKeyPath},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"INTERNAL_JWT_PUBLIC_KEY_PATH", &cfg.InternalJWTPublicKeyPath},
		{"INTERNAL_JWT_VERIFY_PUBLIC_KEYS", &cfg.InternalJWTVerifyPublicKeys},
		{"INTERNAL_JWT_AUDIENCE", &cfg.InternalJWTAudience},
		{"INTERNAL_ALLOWED_ISSUERS", &cfg.InternalAllowedIssuers},
		{"REVIEWS_TRUSTED_PROXY_CIDRS", &cfg.TrustedProxyCIDRs},
		{"REVIEWS_CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins},
		{"REVIEWS_EVENT_STREAM", &cfg.EventStream},
	}
	for _, sv := range stringVars {
		if v := os.Getenv(sv.env); v != "" {
			*sv.dst = v
		}
	}
	if v := os.Getenv("REVIEWS_CHALLENGE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChallengeLength = n
		}
	}
	if v := os.Getenv("REVIEWS_SESSION_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SessionCookieSecure = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChallengeLength == 0 {
		cfg.ChallengeLength = 6
	}
	if strings.TrimSpace(cfg.GuestDomain) == "" {
		cfg.GuestDomain = "guest.local"
	}
	if strings.TrimSpace(cfg.SessionCookieName) == "" {
		cfg.SessionCookieName = "reviews_session"
	}
	if strings.TrimSpace(cfg.InternalJWTAudience) == "" {
		cfg.InternalJWTAudience = "reviews"
	}
	if strings.TrimSpace(cfg.EventStream) == "" {
		cfg.EventStream = "citylibrary:reviews:events"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for challenge storage")
	}
	if cfg.ChallengeLength < 5 || cfg.ChallengeLength > 8 {
		return errors.New("config: challengeLength must be between 5 and 8")
	}
	if _, err := ParseChallengeTTL(cfg.ChallengeTTL); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(cfg.AccountJWKSURL) == "" && strings.TrimSpace(cfg.AccountPublicKeyPath) == "" {
		return errors.New("config: accountJwksURL or accountPublicKeyPath is required (set ACCOUNT_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && strings.TrimSpace(cfg.InternalJWTVerifyPublicKeys) == "" {
		return errors.New("config: internalJWTPublicKeyPath is required (set INTERNAL_JWT_PUBLIC_KEY_PATH)")
	}
	if len(SplitList(cfg.InternalAllowedIssuers)) == 0 {
		return errors.New("config: internalAllowedIssuers is required (set INTERNAL_ALLOWED_ISSUERS)")
	}
	return nil
}

// ParseChallengeTTL parses optional challenge TTL duration string.
func ParseChallengeTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid challengeTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("challengeTTL must be positive")
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
