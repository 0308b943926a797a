// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "context"

//go:generate mockgen -destination=mocks/archiver.go -package=mocks . Archiver,BlobStore

type AttachmentLink struct {
	Filename string `json:"filename"`
	Url      string `json:"url"`
}

// Archiver stores a parsed mail and its attachments for account. host and port are the ones the
// client used to reach us and end up in the returned attachment links.
type Archiver interface {
	Save(ctx context.Context, mail *ParsedMail, attachments []*MailAttachment, account *Account, host, port string) (*Message, []AttachmentLink, error)
}

type BlobStore interface {
	Save(path string, content []byte) error
	PublicURL(path string) string
}
