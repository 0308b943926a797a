// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"context"
	"fmt"
	"strings"

	"github.com/CrawX/go-imap-mailstream/domain"
	"github.com/CrawX/go-imap-mailstream/mail"
	"github.com/CrawX/go-imap-mailstream/storage"

	"github.com/sirupsen/logrus"
)

// PlaceholderSubject replaces empty subjects.
const PlaceholderSubject = "(no subject)"

// Archiver writes fetched mails to the message repository and their attachments to the blob
// store. Attachments are written one by one, a failure leaves the earlier ones in place.
type Archiver struct {
	messages      domain.MessageRepository
	blobs         domain.BlobStore
	scheme        string
	pathMaxLength int
	l             *logrus.Logger
}

var _ domain.Archiver = &Archiver{}

func NewArchiver(messages domain.MessageRepository, blobs domain.BlobStore, scheme string, pathMaxLength int, l *logrus.Logger) *Archiver {
	return &Archiver{
		messages:      messages,
		blobs:         blobs,
		scheme:        scheme,
		pathMaxLength: pathMaxLength,
		l:             l,
	}
}

func (a *Archiver) Save(ctx context.Context, parsed *domain.ParsedMail, attachments []*domain.MailAttachment, account *domain.Account, host, port string) (*domain.Message, []domain.AttachmentLink, error) {
	subject := parsed.Subject
	if len(strings.TrimSpace(subject)) == 0 {
		subject = PlaceholderSubject
	}

	message, err := a.messages.UpsertMessage(ctx, &domain.Message{
		MessageId:  parsed.MessageId,
		Subject:    subject,
		MailFrom:   parsed.From,
		SentAt:     parsed.Date,
		ReceivedAt: parsed.Received,
		BodyText:   parsed.Text,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not save mail: %w", err)
	}

	subfolder := storage.SubfolderName(message.Subject)
	budget := storage.FilenameBudget(a.pathMaxLength, storage.AttachmentsDir, account.Email, subfolder)

	links := []domain.AttachmentLink{}
	for _, attachment := range attachments {
		link, err := a.saveAttachment(ctx, message, attachment, account, subfolder, budget, host, port)
		if err != nil {
			return message, links, err
		}
		links = append(links, *link)
	}

	a.l.WithFields(logrus.Fields{
		"id":          message.Id,
		"subject":     mail.ShortSubject(message.Subject),
		"attachments": len(links),
	}).Debug("Archived mail")

	return message, links, nil
}

func (a *Archiver) saveAttachment(ctx context.Context, message *domain.Message, attachment *domain.MailAttachment, account *domain.Account, subfolder string, budget int, host, port string) (*domain.AttachmentLink, error) {
	filename, err := storage.SanitizeFilename(attachment.Filename, budget)
	if err != nil {
		return nil, fmt.Errorf("could not name attachment %q: %w", attachment.Filename, err)
	}
	if filename != attachment.Filename {
		a.l.WithFields(logrus.Fields{"original": attachment.Filename, "stored": filename}).Debug("Renamed attachment")
	}

	p := storage.AttachmentPath(account.Email, subfolder, filename)
	err = a.blobs.Save(p, attachment.Content)
	if err != nil {
		return nil, fmt.Errorf("could not store attachment %q: %w", filename, err)
	}

	_, err = a.messages.CreateAttachment(ctx, &domain.Attachment{
		MessageId: message.Id,
		File:      p,
		Filename:  filename,
		Url:       a.blobs.PublicURL(p),
	})
	if err != nil {
		return nil, fmt.Errorf("could not save attachment %q: %w", filename, err)
	}

	return &domain.AttachmentLink{
		Filename: filename,
		Url:      storage.AttachmentURL(a.scheme, host, port, p),
	}, nil
}
