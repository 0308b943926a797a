// SPDX-License-Identifier: GPL-3.0-or-later
package mailstream

import (
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"

	"github.com/sirupsen/logrus"
)

const defaultStopTimeout = 10 * time.Second

// Controller holds what all sessions share.
type Controller struct {
	accounts    domain.AccountRepository
	fetcher     domain.Fetcher
	archiver    domain.Archiver
	stopTimeout time.Duration
	l           *logrus.Logger
}

func NewController(accounts domain.AccountRepository, fetcher domain.Fetcher, archiver domain.Archiver, l *logrus.Logger) *Controller {
	return &Controller{
		accounts:    accounts,
		fetcher:     fetcher,
		archiver:    archiver,
		stopTimeout: defaultStopTimeout,
		l:           l,
	}
}

// NewSession creates the session for a new connection. host and port are the ones the client used
// to reach the server and end up in attachment URLs.
func (c *Controller) NewSession(id string, conn Conn, host, port string) *Session {
	return &Session{
		id:         id,
		controller: c,
		conn:       conn,
		host:       host,
		port:       port,
		l:          c.l.WithField("connection", id),
		state:      StateIdle,
	}
}
