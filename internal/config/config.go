// Package config loads the minimal configuration surface the server
// core consumes: the backend connection parameters and pool sizing
// knobs named in database.cpp's Database::setup, plus the IMAP
// listener address. File parsing at large (includes, hot reload,
// secrets) is out of scope; this loader reads one TOML file and
// applies defaults.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kestrelmail/kestreld/internal/errs"
)

// Config is the enumerated key surface of the external interfaces
// section: database connection parameters, pool sizing, and the
// dialect/security toggles that gate Unix-domain handle creation.
type Config struct {
	DB struct {
		Address        string `toml:"db-address"`
		Port           int    `toml:"db-port"`
		Name           string `toml:"db-name"`
		User           string `toml:"db-user"`
		Password       string `toml:"db-password"`
		Owner          string `toml:"db-owner"`
		OwnerPassword  string `toml:"db-owner-password"`
		MaxHandles     int    `toml:"db-max-handles"`
		HandleInterval int    `toml:"db-handle-interval"`
		Dialect        string `toml:"db"`
	} `toml:"db"`

	Security bool `toml:"security"`

	IMAP struct {
		Address string `toml:"address"`
		Port    int    `toml:"port"`
	} `toml:"imap"`
}

// defaults mirrors the constants addInitialHandles and runQueue fall
// back to when the configuration file omits them: three handles to
// start, one new handle permitted every four seconds, and a 1000
// ceiling the operator is expected to lower rather than raise.
func defaults() *Config {
	c := &Config{}
	c.DB.Port = 5432
	c.DB.MaxHandles = 1000
	c.DB.HandleInterval = 4
	c.IMAP.Port = 143
	return c
}

// Load parses the TOML file at path, applying defaults for anything
// the file omits, and validates the fields the Pool depends on.
func Load(path string) (*Config, error) {
	c := defaults()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errs.Wrap("config: reading "+path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.DB.Name == "" {
		return &errs.LogicError{Message: "config: db-name is required"}
	}
	if c.DB.MaxHandles < 1 {
		return &errs.LogicError{Message: "config: db-max-handles must be at least 1"}
	}
	if c.DB.HandleInterval < 1 {
		return &errs.LogicError{Message: "config: db-handle-interval must be at least 1 second"}
	}
	d := c.DB.Dialect
	if d != "" && !strings.HasSuffix(d, "pg") && !strings.HasSuffix(d, "pgsql") && !strings.HasSuffix(d, "postgres") {
		return &errs.LogicError{Message: "config: unsupported db dialect " + c.DB.Dialect}
	}
	return nil
}
