// Package config loads and validates the Bijou configuration and
// builds the configured store stacks.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (BIJOU_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// The blob store section follows the factory pattern: a type selector
// plus one type-specific option table, of which only the selected one
// is read.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/bijoufs/bijou/pkg/crypto"
)

// Config is the complete Bijou configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Store holds creation-time store parameters. They only matter to
	// `bijou create`; an existing store reads them from its superblock.
	Store StoreConfig `mapstructure:"store"`

	// Blobs selects and configures the raw blob store stack.
	Blobs BlobConfig `mapstructure:"blobs"`

	// GC configures the periodic orphan collector.
	GC GCConfig `mapstructure:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is the output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// StoreConfig holds creation-time parameters.
type StoreConfig struct {
	// Cipher selects the content AEAD: aes-256-gcm or
	// xchacha20-poly1305.
	Cipher string `mapstructure:"cipher" validate:"required,oneof=aes-256-gcm xchacha20-poly1305"`

	// BlockSize is the plaintext block size in bytes.
	BlockSize uint32 `mapstructure:"block_size" validate:"required,gte=512,lte=1048576"`

	// PlaintextNames disables filename encryption. Fixed at creation.
	PlaintextNames bool `mapstructure:"plaintext_names"`

	// KDF tunes Argon2id for the keystore.
	KDF KDFConfig `mapstructure:"kdf"`
}

// KDFConfig tunes the passphrase KDF.
type KDFConfig struct {
	// MemoryMiB is the Argon2id memory cost in MiB.
	MemoryMiB uint32 `mapstructure:"memory_mib" validate:"required,gte=8"`

	// Time is the number of passes.
	Time uint32 `mapstructure:"time" validate:"required,gte=1"`

	// Parallelism is the lane count.
	Parallelism uint8 `mapstructure:"parallelism" validate:"required,gte=1"`
}

// BlobConfig selects the raw blob store stack.
type BlobConfig struct {
	// Type selects the backend: local, kv or s3.
	Type string `mapstructure:"type" validate:"required,oneof=local kv s3"`

	// ClusterSize is the number of records per cluster for the kv and
	// s3 backends. Ignored by local.
	ClusterSize uint64 `mapstructure:"cluster_size"`

	// Local contains local-backend options (only used when Type=local).
	Local map[string]any `mapstructure:"local"`

	// S3 contains s3-backend options (only used when Type=s3).
	S3 map[string]any `mapstructure:"s3"`
}

// GCConfig configures the periodic orphan collector.
type GCConfig struct {
	// Enabled turns the periodic sweep on.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the time between sweeps.
	Interval time.Duration `mapstructure:"interval"`
}

// setDefaults registers every default value on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")

	v.SetDefault("store.cipher", "aes-256-gcm")
	v.SetDefault("store.block_size", 4096)
	v.SetDefault("store.plaintext_names", false)
	v.SetDefault("store.kdf.memory_mib", 256)
	v.SetDefault("store.kdf.time", 3)
	v.SetDefault("store.kdf.parallelism", 4)

	v.SetDefault("blobs.type", "local")
	v.SetDefault("blobs.cluster_size", 16)

	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", time.Hour)
}

// Load reads the configuration from an optional file plus the
// environment and validates it. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BIJOU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding configuration: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural and cross-field constraints.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Blobs.Type != "local" && cfg.Blobs.ClusterSize == 0 {
		return fmt.Errorf("config: blobs.cluster_size must be at least 1 for the %s backend", cfg.Blobs.Type)
	}
	if cfg.GC.Enabled && cfg.GC.Interval <= 0 {
		return fmt.Errorf("config: gc.interval must be positive when gc is enabled")
	}
	return nil
}

// CipherID translates the configured cipher name.
func (c *StoreConfig) CipherID() (crypto.Cipher, error) {
	switch c.Cipher {
	case "aes-256-gcm":
		return crypto.CipherAES256GCM, nil
	case "xchacha20-poly1305":
		return crypto.CipherXChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("config: unknown cipher %q", c.Cipher)
	}
}

// KDFParams translates the KDF section for the keystore.
func (c *StoreConfig) KDFParams() crypto.Argon2idParams {
	return crypto.Argon2idParams{
		Memory:      c.KDF.MemoryMiB * 1024,
		Time:        c.KDF.Time,
		Parallelism: c.KDF.Parallelism,
	}
}
