package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay node runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	LogLevel            string          `mapstructure:"log_level"`
	LogEncoding         string          `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig     `mapstructure:"admin"`
	Keystore            KeystoreConfig  `mapstructure:"keystore"`
	Relay               RelayConfig     `mapstructure:"relay"`
	HTTP                HTTPConfig      `mapstructure:"http"`
	Blobstore           BlobstoreConfig `mapstructure:"blobstore"`
}

// AdminConfig controls the metrics/health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// KeystoreConfig describes how the identity keystore backend is initialized.
type KeystoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// RelayConfig tunes the per-room actors.
type RelayConfig struct {
	DefaultRoom       string        `mapstructure:"default_room"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	KeyRotationAge    time.Duration `mapstructure:"key_rotation_age"`
	MaxFrameBytes     int           `mapstructure:"max_frame_bytes"`
	MaxHandshakeChars int           `mapstructure:"max_handshake_chars"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	MaxRooms          int           `mapstructure:"max_rooms"`
	RoomReapInterval  time.Duration `mapstructure:"room_reap_interval"`
	RoomIdleTTL       time.Duration `mapstructure:"room_idle_ttl"`
}

// HTTPConfig holds settings for the public listener.
type HTTPConfig struct {
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// BlobstoreConfig locates the encrypted media store.
type BlobstoreConfig struct {
	Path           string `mapstructure:"path"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultKeystoreBackend     = "file"
	defaultPassphraseEnv       = "NODECRYPT_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultRoom                = "chat-room"
	defaultIdleTimeout         = 60 * time.Second
	defaultKeyRotationAge      = 24 * time.Hour
	defaultMaxFrameBytes       = 8 * 1024 * 1024
	defaultMaxHandshakeChars   = 2048
	defaultSendBuffer          = 64
	defaultRoomReapInterval    = time.Minute
	defaultRoomIdleTTL         = 10 * time.Minute
	defaultBlobstorePath       = "data/blobs.db"
	defaultMaxUploadBytes      = 25 * 1024 * 1024
)

var durationKeys = []string{
	"shutdown_grace_period",
	"admin.read_header_timeout",
	"http.read_header_timeout",
	"relay.idle_timeout",
	"relay.key_rotation_age",
	"relay.room_reap_interval",
	"relay.room_idle_ttl",
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with NODECRYPT_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NODECRYPT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("keystore.backend", defaultKeystoreBackend)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("relay.default_room", defaultRoom)
	v.SetDefault("relay.idle_timeout", defaultIdleTimeout.String())
	v.SetDefault("relay.key_rotation_age", defaultKeyRotationAge.String())
	v.SetDefault("relay.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("relay.max_handshake_chars", defaultMaxHandshakeChars)
	v.SetDefault("relay.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.max_rooms", 0)
	v.SetDefault("relay.room_reap_interval", defaultRoomReapInterval.String())
	v.SetDefault("relay.room_idle_ttl", defaultRoomIdleTTL.String())
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("blobstore.path", defaultBlobstorePath)
	v.SetDefault("blobstore.max_upload_bytes", defaultMaxUploadBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings when they come from env; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":     &cfg.ShutdownGracePeriod,
		"admin.read_header_timeout": &cfg.Admin.ReadHeaderTimeout,
		"http.read_header_timeout":  &cfg.HTTP.ReadHeaderTimeout,
		"relay.idle_timeout":        &cfg.Relay.IdleTimeout,
		"relay.key_rotation_age":    &cfg.Relay.KeyRotationAge,
		"relay.room_reap_interval":  &cfg.Relay.RoomReapInterval,
		"relay.room_idle_ttl":       &cfg.Relay.RoomIdleTTL,
	}
	for _, key := range durationKeys {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*durations[key] = dur
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogEncoding == "" {
		c.LogEncoding = defaultLogEncoding
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if c.Admin.ReadHeaderTimeout <= 0 {
		c.Admin.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.Keystore.Backend == "" {
		c.Keystore.Backend = defaultKeystoreBackend
	}
	if c.Keystore.PassphraseEnv == "" {
		c.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if c.Keystore.Path == "" {
		c.Keystore.Path = defaultKeystorePath
	}
	if c.Relay.DefaultRoom == "" {
		c.Relay.DefaultRoom = defaultRoom
	}
	if c.Relay.IdleTimeout <= 0 {
		c.Relay.IdleTimeout = defaultIdleTimeout
	}
	if c.Relay.KeyRotationAge <= 0 {
		c.Relay.KeyRotationAge = defaultKeyRotationAge
	}
	if c.Relay.MaxFrameBytes <= 0 {
		c.Relay.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.Relay.MaxHandshakeChars <= 0 {
		c.Relay.MaxHandshakeChars = defaultMaxHandshakeChars
	}
	if c.Relay.SendBuffer <= 0 {
		c.Relay.SendBuffer = defaultSendBuffer
	}
	if c.Blobstore.Path == "" {
		c.Blobstore.Path = defaultBlobstorePath
	}
	if c.Blobstore.MaxUploadBytes <= 0 {
		c.Blobstore.MaxUploadBytes = defaultMaxUploadBytes
	}
}

func (c Config) validate() error {
	switch c.Keystore.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("unsupported keystore backend %q", c.Keystore.Backend)
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log encoding %q", c.LogEncoding)
	}
	if c.Relay.MaxRooms < 0 {
		return fmt.Errorf("relay.max_rooms must not be negative (got %d)", c.Relay.MaxRooms)
	}
	return nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
