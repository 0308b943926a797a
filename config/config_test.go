// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	config, err := ReadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), config)
}

func TestReadConfig_File(t *testing.T) {
	config, err := ReadConfig("testdata/config.toml")
	require.NoError(t, err)

	assert.Equal(t, "postgres", config.DatabaseDriver)
	assert.Equal(t, "127.0.0.1:9000", config.ListenAddr)
	assert.Equal(t, 45*time.Second, config.ImapTimeout)
	assert.True(t, config.ImapStartTLS)
	assert.False(t, config.ImapCompress)
	assert.Equal(t, map[string]string{"example.org": "mail.example.org:143"}, config.ImapServers)
	assert.Equal(t, "INBOX", config.ImapMailbox)
}

func TestReadConfig_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	config, err := ReadConfig("doesnotexist.toml")
	require.NoError(t, err)
	assert.Equal(t, ":8000", config.ListenAddr)
}

func TestReadConfig_Environment(t *testing.T) {
	t.Setenv("MAILSTREAM_LISTEN_ADDR", ":9100")
	t.Setenv("MAILSTREAM_IMAP_SERVERS", "example.com=imap.example.com:993,example.net=mx.example.net:143")

	config, err := ReadConfig("testdata/config.toml")
	require.NoError(t, err)

	assert.Equal(t, ":9100", config.ListenAddr)
	assert.Equal(t, "postgres", config.DatabaseDriver)
	assert.Equal(t, map[string]string{
		"example.com": "imap.example.com:993",
		"example.net": "mx.example.net:143",
	}, config.ImapServers)
}

func TestConfig_ReadEnv(t *testing.T) {
	config := defaultConfig()
	err := config.readEnv([]string{
		"MAILSTREAM_IMAP_TIMEOUT=5s",
		"MAILSTREAM_IMAP_COMPRESS=true",
		"MAILSTREAM_ATTACHMENT_PATH_MAX_LENGTH=100",
		"IMAP_MAILBOX=Archive",
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, config.ImapTimeout)
	assert.True(t, config.ImapCompress)
	assert.Equal(t, 100, config.AttachmentPathMaxLength)
	assert.Equal(t, "INBOX", config.ImapMailbox)

	err = config.readEnv([]string{"MAILSTREAM_IMAP_TIMEOUT=soon"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"sqlite", func(c *Config) { c.DatabaseDriver = "sqlite" }, true},
		{"https", func(c *Config) { c.PublicScheme = "https" }, true},
		{"emptydatabase", func(c *Config) { c.Database = " " }, false},
		{"unknowndriver", func(c *Config) { c.DatabaseDriver = "mysql" }, false},
		{"emptylisten", func(c *Config) { c.ListenAddr = "" }, false},
		{"listennoport", func(c *Config) { c.ListenAddr = "localhost" }, false},
		{"scheme", func(c *Config) { c.PublicScheme = "ftp" }, false},
		{"emptyroot", func(c *Config) { c.AttachmentsRoot = "" }, false},
		{"pathlength", func(c *Config) { c.AttachmentPathMaxLength = 0 }, false},
		{"timeout", func(c *Config) { c.ImapTimeout = -time.Second }, false},
		{"mailbox", func(c *Config) { c.ImapMailbox = "" }, false},
		{"port", func(c *Config) { c.ImapDefaultPort = 70000 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := defaultConfig()
			tc.modify(c)
			err := c.validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test (equivalent of testing.T.Chdir).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
