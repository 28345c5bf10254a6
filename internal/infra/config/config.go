package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig `yaml:"gateway"`
	Device   DeviceConfig  `yaml:"device"`
	Server   ServerConfig  `yaml:"server"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Includes []string      `yaml:"includes,omitempty"`
}

// GatewayConfig holds upstream gateway connection settings.
type GatewayConfig struct {
	URL         string   `yaml:"url"`        // ws:// or wss:// endpoint
	Token       string   `yaml:"token"`      // static auth token, supports "enc:" values
	TokenFile   string   `yaml:"token_file"` // live token file; wins over Token when set
	ClientID    string   `yaml:"client_id"`
	DisplayName string   `yaml:"display_name"`
	Mode        string   `yaml:"mode"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes,omitempty"`

	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds reconnect backoff settings.
type ReconnectConfig struct {
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	AuthFailThreshold int           `yaml:"auth_fail_threshold"`
	AuthFailStep      time.Duration `yaml:"auth_fail_step"`
}

// DeviceConfig holds device identity settings.
type DeviceConfig struct {
	KeyFile string `yaml:"key_file"` // ed25519 keypair, created on first run
}

// ServerConfig holds the browser-facing HTTP server settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	SSE             SSEConfig       `yaml:"sse"`
	RPC             RPCConfig       `yaml:"rpc"`
}

// RateLimitConfig holds per-IP rate limiting settings for non-local callers.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// SSEConfig holds event stream settings.
type SSEConfig struct {
	KeepAlive   time.Duration `yaml:"keep_alive"`
	RetryHintMs int           `yaml:"retry_hint_ms"`
}

// RPCConfig holds RPC proxy settings.
type RPCConfig struct {
	AllowedMethods []string             `yaml:"allowed_methods"`
	Breaker        CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for proxied RPCs.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.clawdash.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".clawdash")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			URL:              "ws://127.0.0.1:8090/ws",
			ClientID:         "clawdash-ui",
			DisplayName:      "Dashboard",
			Mode:             "ui",
			Role:             "operator",
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay:      2 * time.Second,
				MaxDelay:          30 * time.Second,
				AuthFailThreshold: 3,
				AuthFailStep:      10 * time.Second,
			},
		},
		Device: DeviceConfig{
			KeyFile: filepath.Join(dataDir, "device.key"),
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             30,
			},
			SSE: SSEConfig{
				KeepAlive:   25 * time.Second,
				RetryHintMs: 3000,
			},
			RPC: RPCConfig{
				AllowedMethods: []string{
					"health",
					"status",
					"agents.list",
					"sessions.list",
					"sessions.preview",
					"channels.status",
					"chat.history",
					"chat.send",
				},
				Breaker: CircuitBreakerConfig{
					Enabled:     true,
					MaxFailures: 5,
					Timeout:     30 * time.Second,
					Interval:    60 * time.Second,
				},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := mergeIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("CLAWDASH_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CLAWDASH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDASH_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_TOKEN_FILE"); v != "" {
		cfg.Gateway.TokenFile = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_CLIENT_ID"); v != "" {
		cfg.Gateway.ClientID = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_DISPLAY_NAME"); v != "" {
		cfg.Gateway.DisplayName = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_ROLE"); v != "" {
		cfg.Gateway.Role = v
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_SCOPES"); v != "" {
		cfg.Gateway.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_RECONNECT_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.Reconnect.InitialDelay = d
		}
	}
	if v := os.Getenv("CLAWDASH_GATEWAY_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.Reconnect.MaxDelay = d
		}
	}

	if v := os.Getenv("CLAWDASH_DEVICE_KEY_FILE"); v != "" {
		cfg.Device.KeyFile = v
	}

	if v := os.Getenv("CLAWDASH_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CLAWDASH_SERVER_RATE_LIMIT_ENABLED"); v == "false" {
		cfg.Server.RateLimit.Enabled = false
	}
	if v := os.Getenv("CLAWDASH_SERVER_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("CLAWDASH_SERVER_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("CLAWDASH_SERVER_SSE_KEEP_ALIVE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Server.SSE.KeepAlive = d
		}
	}
	if v := os.Getenv("CLAWDASH_SERVER_RPC_ALLOWED_METHODS"); v != "" {
		cfg.Server.RPC.AllowedMethods = splitAndTrim(v, ",")
	}

	if v := os.Getenv("CLAWDASH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWDASH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWDASH_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CLAWDASH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWDASH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// ResolveToken returns the effective gateway credential. A readable token
// file wins over the static token so operators can rotate without a restart.
func (g GatewayConfig) ResolveToken() (string, error) {
	if g.TokenFile != "" {
		data, err := os.ReadFile(g.TokenFile)
		if os.IsNotExist(err) {
			return g.Token, nil
		}
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}
	return g.Token, nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." credential values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Gateway.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
		cfg.Gateway.Token = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
