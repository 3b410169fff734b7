package main

import (
	"os"
	"path/filepath"

	"github.com/org/passvault/pkg/models"
	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI state. It holds tokens and the wrapped
// vault key, never the master password or any plaintext key.
type CLIConfig struct {
	Address       string           `yaml:"address"`
	TLSCACert     string           `yaml:"tls_ca_cert,omitempty"`
	DeviceID      string           `yaml:"device_id,omitempty"`
	Email         string           `yaml:"email,omitempty"`
	AccessToken   string           `yaml:"access_token,omitempty"`
	RefreshToken  string           `yaml:"refresh_token,omitempty"`
	KDFParams     models.KDFParams `yaml:"kdf_params,omitempty"`
	VaultKeyEnc   string           `yaml:"vault_key_enc,omitempty"`
	VaultKeyEncIV string           `yaml:"vault_key_enc_iv,omitempty"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file.
func configPath() string {
	if v := os.Getenv("PASSVAULT_CLI_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".passvault", "config.yaml")
}

// loadConfig loads the CLI config from disk.
func loadConfig() {
	cfg = CLIConfig{
		Address: "https://127.0.0.1:8443",
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return // Use defaults
	}
	yaml.Unmarshal(data, &cfg) //nolint:errcheck
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// clearSession forgets tokens and key material of the signed in user.
func clearSession() {
	cfg.AccessToken = ""
	cfg.RefreshToken = ""
	cfg.VaultKeyEnc = ""
	cfg.VaultKeyEncIV = ""
	cfg.KDFParams = models.KDFParams{}
}
