// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type ConfigFunc func(c *configuration) error

func Timeout(timeout time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if timeout <= 0 {
			return fmt.Errorf("Timeout must be positive")
		}

		c.Timeout = timeout
		return nil
	}
}

func Mailbox(mailbox string) ConfigFunc {
	return func(c *configuration) error {
		if len(mailbox) == 0 {
			return fmt.Errorf("Mailbox cannot be null")
		}

		c.Mailbox = mailbox
		return nil
	}
}

func DefaultPort(port int) ConfigFunc {
	return func(c *configuration) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("DefaultPort %d is not a valid port", port)
		}

		c.DefaultPort = port
		return nil
	}
}

// Servers overrides the imap server of a mail domain. Values are host:port.
func Servers(servers map[string]string) ConfigFunc {
	return func(c *configuration) error {
		for mailDomain, server := range servers {
			if len(mailDomain) == 0 {
				return fmt.Errorf("Servers cannot contain an empty domain")
			}
			host, port, err := net.SplitHostPort(server)
			if err != nil || len(host) == 0 || len(port) == 0 {
				return fmt.Errorf("server %q for %s must be host:port", server, mailDomain)
			}

			c.Servers[strings.ToLower(mailDomain)] = server
		}

		return nil
	}
}

func StartTLS() ConfigFunc {
	return func(c *configuration) error {
		c.StartTLS = true
		return nil
	}
}

func Compress() ConfigFunc {
	return func(c *configuration) error {
		c.Compress = true
		return nil
	}
}

type configuration struct {
	Timeout     time.Duration
	Mailbox     string
	DefaultPort int
	Servers     map[string]string

	StartTLS bool
	Compress bool
}

func defaultConfiguration() *configuration {
	return &configuration{
		Timeout:     30 * time.Second,
		Mailbox:     "INBOX",
		DefaultPort: 993,
		Servers:     map[string]string{},
	}
}
