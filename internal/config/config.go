// Package config parses relayhub settings from RELAYHUB_* environment
// variables overlaid by command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// StoreConfig selects where the registry snapshot and API keys live.
type StoreConfig struct {
	Backend        string
	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	RedisAddr      string
	RedisPrefix    string
	APIKeyPepper   string
}

type ServerConfig struct {
	StoreConfig

	Listen          string
	ListenHTTP3     string
	ACMEListen      string
	TLSMode         string
	TLSCertFile     string
	TLSKeyFile      string
	ACMEDomain      string
	CertCacheDir    string
	AdminToken      string
	LivenessWindow  time.Duration
	EvictAfter      time.Duration
	JanitorInterval time.Duration
	LogLevel        string
	LogFormat       string
	OpsListen       string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	SelectRate      float64
	SelectBurst     int
	TrustProxy      bool
}

type NodeConfig struct {
	ServerURL         string
	APIKey            string
	Name              string
	PublicKey         string
	Address           string
	HeartbeatInterval time.Duration
	Transport         string
	Timeout           time.Duration
	LogLevel          string
	LogFormat         string
}

// ClientConfig holds the settings shared by the directory and admin
// commands that talk to a running server.
type ClientConfig struct {
	ServerURL  string
	AdminToken string
	Timeout    time.Duration
}

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	TLSOff    = "off"
	TLSStatic = "static"
	TLSACME   = "acme"

	TransportHTTP = "http"
	TransportWS   = "ws"
)

const defaultServerListen = ":8080"
const defaultServerACMEListen = ":80"
const defaultServerDBPath = "./relayhub.db"
const defaultServerCertCacheDir = "./cert"
const defaultRedisPrefix = "relayhub"
const defaultLivenessWindow = 30 * time.Second
const defaultJanitorInterval = time.Minute
const defaultHeartbeatInterval = 10 * time.Second
const defaultClientTimeout = 15 * time.Second
const defaultServerURL = "http://127.0.0.1:8080"

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		StoreConfig:     storeDefaults(),
		Listen:          envOrDefault("RELAYHUB_LISTEN", defaultServerListen),
		ListenHTTP3:     envOrDefault("RELAYHUB_LISTEN_HTTP3", ""),
		ACMEListen:      envOrDefault("RELAYHUB_ACME_LISTEN", defaultServerACMEListen),
		TLSMode:         envOrDefault("RELAYHUB_TLS_MODE", TLSOff),
		TLSCertFile:     envOrDefault("RELAYHUB_TLS_CERT_FILE", ""),
		TLSKeyFile:      envOrDefault("RELAYHUB_TLS_KEY_FILE", ""),
		ACMEDomain:      envOrDefault("RELAYHUB_ACME_DOMAIN", ""),
		CertCacheDir:    envOrDefault("RELAYHUB_CERT_CACHE_DIR", defaultServerCertCacheDir),
		AdminToken:      envOrDefault("RELAYHUB_ADMIN_TOKEN", ""),
		LivenessWindow:  envDurationOrDefault("RELAYHUB_LIVENESS_WINDOW", defaultLivenessWindow),
		EvictAfter:      envDurationOrDefault("RELAYHUB_EVICT_AFTER", 0),
		JanitorInterval: envDurationOrDefault("RELAYHUB_JANITOR_INTERVAL", defaultJanitorInterval),
		LogLevel:        envOrDefault("RELAYHUB_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("RELAYHUB_LOG_FORMAT", "text"),
		OpsListen:       envOrDefault("RELAYHUB_OPS_LISTEN", ""),
		RequestTimeout:  envDurationOrDefault("RELAYHUB_REQUEST_TIMEOUT", 15*time.Second),
		MaxBodyBytes:    int64(envIntOrDefault("RELAYHUB_MAX_BODY_BYTES", 64*1024)),
		SelectRate:      envFloatOrDefault("RELAYHUB_SELECT_RATE", 5),
		SelectBurst:     envIntOrDefault("RELAYHUB_SELECT_BURST", 10),
		TrustProxy:      envBoolOrDefault("RELAYHUB_TRUST_PROXY", false),
	}

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	bindStoreFlags(fs, &cfg.StoreConfig)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.ListenHTTP3, "listen-http3", cfg.ListenHTTP3, "HTTP/3 (QUIC) listen address, empty disables")
	fs.StringVar(&cfg.ACMEListen, "acme-listen", cfg.ACMEListen, "HTTP-01 challenge listen address (acme mode)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|acme")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "TLS cert PEM file (static mode)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "TLS key PEM file (static mode)")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", cfg.ACMEDomain, "Public domain for ACME certificates")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME cert cache dir")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Token for reputation and eviction endpoints")
	fs.DurationVar(&cfg.LivenessWindow, "liveness-window", cfg.LivenessWindow, "Max heartbeat age for the active directory")
	fs.DurationVar(&cfg.EvictAfter, "evict-after", cfg.EvictAfter, "Evict records idle longer than this (0 disables)")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "How often the eviction janitor runs")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.OpsListen, "ops-listen", cfg.OpsListen, "Metrics and pprof listen address, empty disables")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request timeout")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Max JSON request body size")
	fs.Float64Var(&cfg.SelectRate, "select-rate", cfg.SelectRate, "Select requests per second per client IP")
	fs.IntVar(&cfg.SelectBurst, "select-burst", cfg.SelectBurst, "Select burst per client IP")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Take client IPs from X-Forwarded-For")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.StoreConfig.validate(); err != nil {
		return cfg, err
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSOff
	}
	switch cfg.TLSMode {
	case TLSOff:
	case TLSStatic:
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return cfg, errors.New("static tls mode requires --tls-cert-file and --tls-key-file")
		}
	case TLSACME:
		cfg.ACMEDomain = normalizeDomainHost(cfg.ACMEDomain)
		if cfg.ACMEDomain == "" {
			return cfg, errors.New("acme tls mode requires --acme-domain or RELAYHUB_ACME_DOMAIN")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, acme")
	}
	if cfg.ListenHTTP3 != "" && cfg.TLSMode == TLSOff {
		return cfg, errors.New("http3 listener requires tls")
	}
	if cfg.LivenessWindow < time.Second {
		return cfg, errors.New("liveness window must be at least 1s")
	}
	if cfg.EvictAfter < 0 {
		return cfg, errors.New("evict-after must be >= 0")
	}
	if cfg.EvictAfter > 0 && cfg.EvictAfter < cfg.LivenessWindow {
		return cfg, errors.New("evict-after must not be shorter than the liveness window")
	}
	if cfg.EvictAfter > 0 && cfg.JanitorInterval <= 0 {
		return cfg, errors.New("janitor interval must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}
	if cfg.SelectRate <= 0 || cfg.SelectBurst <= 0 {
		return cfg, errors.New("select rate and burst must be > 0")
	}

	return cfg, nil
}

// ParseStoreFlags parses only the storage settings, for offline admin
// commands such as "registry init" and "apikey". extra registers
// command-specific flags on the same set.
func ParseStoreFlags(name string, args []string, extra func(*pflag.FlagSet)) (StoreConfig, []string, error) {
	cfg := storeDefaults()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	bindStoreFlags(fs, &cfg)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), cfg.validate()
}

func ParseNodeFlags(args []string) (NodeConfig, error) {
	cfg := NodeConfig{
		ServerURL:         envOrDefault("RELAYHUB_SERVER", defaultServerURL),
		APIKey:            envOrDefault("RELAYHUB_API_KEY", ""),
		Name:              envOrDefault("RELAYHUB_NODE_NAME", ""),
		PublicKey:         envOrDefault("RELAYHUB_NODE_PUBLIC_KEY", ""),
		Address:           envOrDefault("RELAYHUB_NODE_ADDRESS", ""),
		HeartbeatInterval: envDurationOrDefault("RELAYHUB_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		Transport:         envOrDefault("RELAYHUB_TRANSPORT", TransportHTTP),
		Timeout:           envDurationOrDefault("RELAYHUB_TIMEOUT", defaultClientTimeout),
		LogLevel:          envOrDefault("RELAYHUB_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("RELAYHUB_LOG_FORMAT", "text"),
	}

	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Registry server URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Node API key")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Relay name clients select by")
	fs.StringVar(&cfg.PublicKey, "public-key", cfg.PublicKey, "Relay tunnel public key")
	fs.StringVar(&cfg.Address, "address", cfg.Address, "Relay reachable address")
	fs.DurationVar(&cfg.HeartbeatInterval, "interval", cfg.HeartbeatInterval, "Heartbeat interval")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Heartbeat transport: http|ws")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	if cfg.ServerURL, err = normalizeServerURL(cfg.ServerURL); err != nil {
		return cfg, err
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.PublicKey = strings.TrimSpace(cfg.PublicKey)
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.APIKey == "" {
		return cfg, errors.New("missing --api-key or RELAYHUB_API_KEY")
	}
	if cfg.Name == "" || cfg.PublicKey == "" || cfg.Address == "" {
		return cfg, errors.New("--name, --public-key and --address are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return cfg, errors.New("heartbeat interval must be > 0")
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != TransportHTTP && cfg.Transport != TransportWS {
		return cfg, errors.New("transport must be one of: http, ws")
	}

	return cfg, nil
}

// ParseClientFlags parses the common client settings. extra registers
// command-specific flags on the same set; the remaining positional
// arguments are returned.
func ParseClientFlags(name string, args []string, extra func(*pflag.FlagSet)) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		ServerURL:  envOrDefault("RELAYHUB_SERVER", defaultServerURL),
		AdminToken: envOrDefault("RELAYHUB_ADMIN_TOKEN", ""),
		Timeout:    envDurationOrDefault("RELAYHUB_TIMEOUT", defaultClientTimeout),
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Registry server URL")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Admin token")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}

	var err error
	if cfg.ServerURL, err = normalizeServerURL(cfg.ServerURL); err != nil {
		return cfg, nil, err
	}
	if cfg.Timeout <= 0 {
		return cfg, nil, errors.New("timeout must be > 0")
	}
	return cfg, fs.Args(), nil
}

func storeDefaults() StoreConfig {
	return StoreConfig{
		Backend:        envOrDefault("RELAYHUB_STORE", StoreSQLite),
		DBPath:         envOrDefault("RELAYHUB_DB_PATH", defaultServerDBPath),
		DBMaxOpenConns: envIntOrDefault("RELAYHUB_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns: envIntOrDefault("RELAYHUB_DB_MAX_IDLE_CONNS", 4),
		RedisAddr:      envOrDefault("RELAYHUB_REDIS_ADDR", ""),
		RedisPrefix:    envOrDefault("RELAYHUB_REDIS_PREFIX", defaultRedisPrefix),
		APIKeyPepper:   envOrDefault("RELAYHUB_API_KEY_PEPPER", ""),
	}
}

func bindStoreFlags(fs *pflag.FlagSet, cfg *StoreConfig) {
	fs.StringVar(&cfg.Backend, "store", cfg.Backend, "Registry snapshot backend: sqlite|redis")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (API keys, and the snapshot for the sqlite backend)")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis URL for the redis backend")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
}

func (c *StoreConfig) validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case StoreSQLite:
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("redis store requires --redis-addr or RELAYHUB_REDIS_ADDR")
		}
	default:
		return errors.New("store must be one of: sqlite, redis")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing --db or RELAYHUB_DB_PATH")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if c.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("db max idle conns must not exceed max open conns")
	}
	return nil
}

func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", errors.New("missing --server or RELAYHUB_SERVER")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("server url scheme must be http or https")
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	return raw, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
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

func envBoolOrDefault(key string, def bool) bool {
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

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
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

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
