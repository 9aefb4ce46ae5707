package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings. Secrets such as the REST
// token are expected here rather than in heartline.json.
const (
	EnvRelayURL     = "HEARTLINE_RELAY_URL"
	EnvUserID       = "HEARTLINE_USER_ID"
	EnvProfileID    = "HEARTLINE_PROFILE_ID"
	EnvStorageURL   = "HEARTLINE_STORAGE_URL"
	EnvStorageTok   = "HEARTLINE_STORAGE_TOKEN"
	EnvHTTPAddr     = "HEARTLINE_HTTP_ADDR"
	EnvLogLevel     = "HEARTLINE_LOG_LEVEL"
	EnvRelayPort    = "HEARTLINE_RELAY_PORT"
	EnvMediaCapture = "HEARTLINE_MEDIA_CAPTURE"
)

// LoadEnv reads <dir>/.env (if present) into the process environment without
// overwriting variables that are already set.
func LoadEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overlays HEARTLINE_* variables onto cfg and re-validates it.
func ApplyEnv(cfg *Config) error {
	setString(&cfg.Signaling.RelayURL, EnvRelayURL)
	setString(&cfg.Profile.UserID, EnvUserID)
	setString(&cfg.Profile.ProfileID, EnvProfileID)
	setString(&cfg.Viewer.HTTPAddr, EnvHTTPAddr)
	setString(&cfg.Log.Level, EnvLogLevel)
	setString(&cfg.Storage.RESTToken, EnvStorageTok)
	if v := os.Getenv(EnvStorageURL); v != "" {
		cfg.Storage.RESTURL = v
		cfg.Storage.Backend = "rest"
	}
	if v := os.Getenv(EnvRelayPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New(EnvRelayPort + " must be a number")
		}
		cfg.Relay.Port = n
	}
	if v := os.Getenv(EnvMediaCapture); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New(EnvMediaCapture + " must be a boolean")
		}
		cfg.Media.Capture = b
	}
	return cfg.Validate()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
