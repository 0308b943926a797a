// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvPrefix = "MAILSTREAM_"

type Config struct {
	Database       string `env:"DATABASE"`
	DatabaseDriver string `env:"DATABASE_DRIVER"`

	ListenAddr   string `env:"LISTEN_ADDR"`
	PublicScheme string `env:"PUBLIC_SCHEME"`

	AttachmentsRoot         string `env:"ATTACHMENTS_ROOT"`
	AttachmentPathMaxLength int    `env:"ATTACHMENT_PATH_MAX_LENGTH"`

	ImapTimeout     time.Duration     `env:"IMAP_TIMEOUT"`
	ImapMailbox     string            `env:"IMAP_MAILBOX"`
	ImapDefaultPort int               `env:"IMAP_DEFAULT_PORT"`
	ImapStartTLS    bool              `env:"IMAP_STARTTLS"`
	ImapCompress    bool              `env:"IMAP_COMPRESS"`
	ImapServers     map[string]string `env:"IMAP_SERVERS" envKeyValSeparator:"="`

	Loglevel string `env:"LOGLEVEL"`
}

func defaultConfig() *Config {
	return &Config{
		Database:                "mailstream.db",
		DatabaseDriver:          "sqlite3",
		ListenAddr:              ":8000",
		PublicScheme:            "http",
		AttachmentsRoot:         "media",
		AttachmentPathMaxLength: 255,
		ImapTimeout:             30 * time.Second,
		ImapMailbox:             "INBOX",
		ImapDefaultPort:         993,
		ImapServers:             map[string]string{},
		Loglevel:                "info",
	}
}

// ReadConfig reads the optional toml file at filename, then applies MAILSTREAM_* variables from the
// environment and an optional .env file.
func ReadConfig(filename string) (*Config, error) {
	config := defaultConfig()

	if len(filename) > 0 {
		_, err := toml.DecodeFile(filename, config)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}

	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not read .env file: %w", err)
	}

	err = config.readEnv(os.Environ())
	if err != nil {
		return nil, err
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) readEnv(environ []string) error {
	err := env.ParseWithOptions(c, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return fmt.Errorf("could not read environment: %w", err)
	}

	return nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database must not be empty, set to a filename for sqlite or a connection string for postgres"); err != nil {
		return err
	}

	switch c.DatabaseDriver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return fmt.Errorf("DatabaseDriver %q is not supported, use sqlite3, sqlite or postgres", c.DatabaseDriver)
	}

	if err := validateNonEmptyStringField(c.ListenAddr, "ListenAddr must not be empty, set to host:port to listen on"); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("ListenAddr %q must be host:port: %w", c.ListenAddr, err)
	}

	if c.PublicScheme != "http" && c.PublicScheme != "https" {
		return fmt.Errorf("PublicScheme must be http or https")
	}

	if err := validateNonEmptyStringField(c.AttachmentsRoot, "AttachmentsRoot must not be empty, set to the directory attachments are stored in"); err != nil {
		return err
	}

	if c.AttachmentPathMaxLength <= 0 {
		return fmt.Errorf("AttachmentPathMaxLength must be positive")
	}

	if c.ImapTimeout <= 0 {
		return fmt.Errorf("ImapTimeout must be positive")
	}

	if err := validateNonEmptyStringField(c.ImapMailbox, "ImapMailbox must not be empty"); err != nil {
		return err
	}

	if c.ImapDefaultPort <= 0 || c.ImapDefaultPort > 65535 {
		return fmt.Errorf("ImapDefaultPort %d is not a valid port", c.ImapDefaultPort)
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
