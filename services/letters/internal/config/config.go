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

// ConfigPath is used when LETTERS_CONFIG is unset.
const ConfigPath = "config.yaml"

const (
	RuleSourceFile = "file"
	RuleSourceDB   = "db"
)

// MemoryDatabaseURL keeps queue, documents and rules in process memory.
const MemoryDatabaseURL = "memory://"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseURL    string   `yaml:"databaseURL"`
	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	TemplatesDir     string `yaml:"templatesDir"`
	ServedDir        string `yaml:"servedDir"`
	DefaultOutputDir string `yaml:"defaultOutputDir"`
	PublicBaseURL    string `yaml:"publicBaseURL"`

	PollIntervalSeconds int    `yaml:"pollIntervalSeconds"`
	MaxTries            int    `yaml:"maxTries"`
	LeaseMinutes        *int   `yaml:"leaseMinutes"`
	WorkerCount         int    `yaml:"workerCount"`
	FailurePolicy       string `yaml:"failurePolicy"`
	OfficePhone         string `yaml:"officePhone"`
	OfficeEmail         string `yaml:"officeEmail"`

	RuleSource       string `yaml:"ruleSource"`
	RulesFile        string `yaml:"rulesFile"`
	RuleCacheSeconds int    `yaml:"ruleCacheSeconds"`

	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	RenderRateLimitPerMinute int    `yaml:"renderRateLimitPerMinute"`

	ChromePath      string `yaml:"chromePath"`
	ChromeNoSandbox bool   `yaml:"chromeNoSandbox"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioPrefix    string `yaml:"minioPrefix"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	InternalJWTPublicKeyPath  string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID          string   `yaml:"internalJwtKeyId"`
	InternalJWTVerifyKeys     string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTAudience       string   `yaml:"internalJwtAudience"`
	InternalJWTAllowedIssuers []string `yaml:"internalJwtAllowedIssuers"`
	InternalJWTLeeway         string   `yaml:"internalJwtLeeway"`
}

// Path returns LETTERS_CONFIG or the default config path.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("LETTERS_CONFIG")); v != "" {
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
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LETTERS_TEMPLATES_DIR"); v != "" {
		cfg.TemplatesDir = v
	}
	if v := os.Getenv("LETTERS_SERVED_DIR"); v != "" {
		cfg.ServedDir = v
	}
	if v := os.Getenv("LETTERS_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("LETTERS_RULE_SOURCE"); v != "" {
		cfg.RuleSource = v
	}
	if v := os.Getenv("LETTERS_FAILURE_POLICY"); v != "" {
		cfg.FailurePolicy = v
	}
	if v := os.Getenv("LETTERS_CHROME_PATH"); v != "" {
		cfg.ChromePath = v
	}
	if v := os.Getenv("LETTERS_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("LETTERS_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("LETTERS_LEASE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseMinutes = &n
		}
	}
	if v := os.Getenv("INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyKeys = v
	}
	if v := os.Getenv("INTERNAL_JWT_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalJWTAllowedIssuers = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TemplatesDir == "" {
		cfg.TemplatesDir = "wwwroot/templates"
	}
	if cfg.ServedDir == "" {
		cfg.ServedDir = "wwwroot/generated"
	}
	if cfg.DefaultOutputDir == "" {
		cfg.DefaultOutputDir = "GeneratedLetters"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 5
	}
	if cfg.LeaseMinutes == nil {
		n := 30
		cfg.LeaseMinutes = &n
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.RuleSource == "" {
		cfg.RuleSource = RuleSourceFile
	}
	if cfg.RulesFile == "" {
		cfg.RulesFile = "letterConfig.json"
	}
	if cfg.RuleCacheSeconds < 0 {
		cfg.RuleCacheSeconds = 0
	}
	if cfg.RenderRateLimitPerMinute <= 0 {
		cfg.RenderRateLimitPerMinute = 30
	}
	if cfg.MinioPrefix == "" {
		cfg.MinioPrefix = "letters"
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "claims.letters"
	}
	if cfg.InternalJWTAudience == "" {
		cfg.InternalJWTAudience = "letters"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RuleSource != RuleSourceFile && cfg.RuleSource != RuleSourceDB {
		return fmt.Errorf("config: ruleSource must be %q or %q", RuleSourceFile, RuleSourceDB)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for render rate limiting (set REDIS_ADDR)")
	}
	if *cfg.LeaseMinutes < 0 {
		return errors.New("config: leaseMinutes must not be negative")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required with minioEndpoint")
	}
	if cfg.InternalJWTPublicKeyPath == "" && cfg.InternalJWTVerifyKeys == "" {
		return errors.New("config: internalJwtPublicKeyPath is required (set INTERNAL_JWT_PUBLIC_KEY_PATH)")
	}
	if len(cfg.InternalJWTAllowedIssuers) == 0 {
		return errors.New("config: internalJwtAllowedIssuers is required")
	}
	if _, err := ParseLeeway(cfg.InternalJWTLeeway); err != nil {
		return err
	}
	return nil
}

// PollInterval is the idle wait between empty polls.
func (c FileConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Lease is how long a claimed entry may stay InProgress; zero disables reaping.
func (c FileConfig) Lease() time.Duration {
	if c.LeaseMinutes == nil {
		return 0
	}
	return time.Duration(*c.LeaseMinutes) * time.Minute
}

func (c FileConfig) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheSeconds) * time.Second
}

// ParseLeeway parses optional JWT leeway duration string.
func ParseLeeway(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid internalJwtLeeway duration: %w", err)
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
