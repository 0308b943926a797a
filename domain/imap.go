// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/imap.go -package=mocks . Fetcher,MailSession

type RawMail struct {
	Uid          uint32
	InternalDate time.Time
	Body         []byte
}

// Fetcher opens a mailbox session for an account and lists the uids of all mails in server order.
type Fetcher interface {
	ConnectAndList(ctx context.Context, account *Account) (MailSession, int, []uint32, error)
}

// MailSession is an authenticated mailbox session. It is owned by a single fetch and must not be
// reused once closed.
type MailSession interface {
	Retrieve(ctx context.Context, uid uint32) (*RawMail, error)
	Close() error
}
