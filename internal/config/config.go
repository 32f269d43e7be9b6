// Package config loads service settings from the environment, an optional
// .env file and an optional YAML channel table.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/kdf"
)

const (
	EnvSecret     = "DYADCAST_SECRET"
	EnvSigningKey = "DYADCAST_SIGNING_KEY"
)

type Config struct {
	DataPath     string
	Port         string
	LogLevel     string
	LogFormat    string
	ChannelsFile string
	KeyCacheSize int
	Workers      int

	Secret       kdf.Secret
	SecretSource string

	SigningKey       ed25519.PrivateKey
	SigningKeySource string

	Channels []headend.Channel
}

// Load reads the configuration. envFile is loaded first if it exists;
// variables already set in the process environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		DataPath:     getEnv("DATA_PATH", "./data"),
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		ChannelsFile: getEnv("CHANNELS_FILE", "channels.yaml"),
	}

	var err error
	if cfg.KeyCacheSize, err = getEnvInt("KEY_CACHE_SIZE", kdf.DefaultCacheSize); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getEnvInt("WORKERS", 0); err != nil {
		return nil, err
	}

	if cfg.Secret, cfg.SecretSource, err = loadSecret(); err != nil {
		return nil, err
	}
	if cfg.SigningKey, cfg.SigningKeySource, err = loadSigningKey(); err != nil {
		return nil, err
	}
	if cfg.Channels, err = LoadChannels(cfg.ChannelsFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// loadSecret decodes DYADCAST_SECRET or generates an ephemeral secret.
func loadSecret() (kdf.Secret, string, error) {
	if encoded := os.Getenv(EnvSecret); encoded != "" {
		secret, err := kdf.ParseSecret(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode %s: %w", EnvSecret, err)
		}
		return secret, EnvSecret + " environment variable", nil
	}
	secret, err := kdf.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	return secret, "Ephemeral (generated on startup)", nil
}

// loadSigningKey decodes the base64 DYADCAST_SIGNING_KEY or generates an
// ephemeral key.
func loadSigningKey() (ed25519.PrivateKey, string, error) {
	if encoded := os.Getenv(EnvSigningKey); encoded != "" {
		priv, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode %s: %w", EnvSigningKey, err)
		}
		if len(priv) != ed25519.PrivateKeySize {
			return nil, "", fmt.Errorf("%s must be %d bytes, got %d", EnvSigningKey, ed25519.PrivateKeySize, len(priv))
		}
		return ed25519.PrivateKey(priv), EnvSigningKey + " environment variable", nil
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, "", err
	}
	return priv, "Ephemeral (generated on startup)", nil
}

type channelsFile struct {
	Channels []headend.Channel `yaml:"channels"`
}

// LoadChannels reads the channel table. A missing file yields an empty
// table.
func LoadChannels(path string) ([]headend.Channel, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed reading channels file: %w", err)
	}

	var raw channelsFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed parsing channels file: %w", err)
	}
	return raw.Channels, nil
}
