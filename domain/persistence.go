// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/persistence.go -package=mocks . AccountRepository,MessageRepository

type Account struct {
	Id       int64
	Email    string
	Password string
}

type Message struct {
	Id         int64
	MessageId  string
	Subject    string
	MailFrom   string
	SentAt     *time.Time
	ReceivedAt *time.Time
	BodyText   string
}

type Attachment struct {
	Id        int64
	MessageId int64
	File      string
	Filename  string
	Url       string
}

// AccountRepository returns nil and no error when no account is registered for email.
type AccountRepository interface {
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
}

type MessageRepository interface {
	UpsertMessage(ctx context.Context, message *Message) (*Message, error)
	CreateAttachment(ctx context.Context, attachment *Attachment) (*Attachment, error)
}

type Persistence interface {
	AccountRepository
	MessageRepository
	UpsertAccount(ctx context.Context, email, password string) (*Account, error)
	FindMessageByMessageId(ctx context.Context, messageId string) (*Message, error)
	AttachmentsForMessage(ctx context.Context, id int64) ([]*Attachment, error)
	Close() error
}
