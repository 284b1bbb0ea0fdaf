// Package config holds the skipauthd configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "config.yaml"

type Whitelist struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

type Config struct {
	// Listen is the address of the SSH server.
	Listen            string        `yaml:"listen"`
	OnlineMode        bool          `yaml:"online_mode"`
	RegistryFile      string        `yaml:"registry_file"`
	HostKeyFile       string        `yaml:"host_key_file"`
	AuthorizedKeysDir string        `yaml:"authorized_keys_dir"`
	Banner            string        `yaml:"banner,omitempty"`
	MaxAuthTries      int           `yaml:"max_auth_tries,omitempty"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout,omitempty"`
	Whitelist         Whitelist     `yaml:"whitelist"`
	Socket            string        `yaml:"socket"` // admin API UNIX socket
}

// DefaultDir returns $XDG_CONFIG_HOME/skipauth, falling back to
// ~/.config/skipauth.
func DefaultDir() (string, error) {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "skipauth"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "skipauth"), nil
}

// Default returns the configuration used for anything the file leaves out.
// Relative files live in dir.
func Default(dir string) Config {
	socketDir := os.Getenv("XDG_RUNTIME_DIR")
	if socketDir == "" {
		socketDir = dir
	}
	return Config{
		Listen:            ":2222",
		OnlineMode:        true,
		RegistryFile:      filepath.Join(dir, "skipauth.txt"),
		HostKeyFile:       filepath.Join(dir, "ssh_host_ed25519_key"),
		AuthorizedKeysDir: filepath.Join(dir, "authorized_keys"),
		Whitelist: Whitelist{
			File: filepath.Join(dir, "whitelist.json"),
		},
		Socket: filepath.Join(socketDir, "skipauthd.sock"),
	}
}

// Load reads the YAML file at path on top of Default(filepath.Dir(path)).
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	dir := filepath.Dir(path)
	c := Default(dir)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	c.resolve(dir)
	return c, c.Validate()
}

// resolve makes relative file names relative to dir.
func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.RegistryFile, &c.HostKeyFile, &c.AuthorizedKeysDir, &c.Whitelist.File, &c.Socket} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.RegistryFile == "" {
		return errors.New("registry_file must not be empty")
	}
	if c.HostKeyFile == "" {
		return errors.New("host_key_file must not be empty")
	}
	if c.Socket == "" {
		return errors.New("socket must not be empty")
	}
	if c.Whitelist.Enabled && c.Whitelist.File == "" {
		return errors.New("whitelist.file must be set when the whitelist is enabled")
	}
	if c.MaxAuthTries < 0 {
		return fmt.Errorf("max_auth_tries must not be negative, got %d", c.MaxAuthTries)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
