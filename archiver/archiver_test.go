// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"
	"github.com/CrawX/go-imap-mailstream/domain/mocks"
	"github.com/CrawX/go-imap-mailstream/storage"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = &domain.Account{Id: 1, Email: "a@x.com", Password: "secret"}

func newTestArchiver(ctrl *gomock.Controller) (*Archiver, *mocks.MockMessageRepository, *mocks.MockBlobStore) {
	l, _ := test.NewNullLogger()
	messages := mocks.NewMockMessageRepository(ctrl)
	blobs := mocks.NewMockBlobStore(ctrl)
	return NewArchiver(messages, blobs, "http", 255, l), messages, blobs
}

func upsertReturningId(id int64) func(context.Context, *domain.Message) (*domain.Message, error) {
	return func(ctx context.Context, message *domain.Message) (*domain.Message, error) {
		saved := *message
		saved.Id = id
		return &saved, nil
	}
}

func TestArchiver_Save(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	archiver, messages, blobs := newTestArchiver(ctrl)
	date := time.Date(2020, 11, 3, 9, 14, 30, 0, time.UTC)
	parsed := &domain.ParsedMail{
		MessageId: "id-1@example.org",
		Subject:   "Invoice",
		From:      "bob@example.org",
		Date:      &date,
		Received:  &date,
		Text:      "see attached",
	}
	attachments := []*domain.MailAttachment{
		{Filename: "invoice.pdf", Content: []byte("pdf")},
		{Filename: "../notes.txt", Content: []byte("txt")},
	}

	messages.EXPECT().
		UpsertMessage(gomock.Any(), &domain.Message{
			MessageId:  "id-1@example.org",
			Subject:    "Invoice",
			MailFrom:   "bob@example.org",
			SentAt:     &date,
			ReceivedAt: &date,
			BodyText:   "see attached",
		}).
		DoAndReturn(upsertReturningId(5))

	subfolder := storage.SubfolderName("Invoice")
	invoicePath := "attachments/a@x.com/" + subfolder + "/invoice.pdf"
	notesPath := "attachments/a@x.com/" + subfolder + "/notes.txt"
	gomock.InOrder(
		blobs.EXPECT().Save(invoicePath, []byte("pdf")).Return(nil),
		blobs.EXPECT().PublicURL(invoicePath).Return("/"+invoicePath),
		messages.EXPECT().CreateAttachment(gomock.Any(), &domain.Attachment{
			MessageId: 5, File: invoicePath, Filename: "invoice.pdf", Url: "/" + invoicePath,
		}).Return(&domain.Attachment{Id: 1}, nil),
		blobs.EXPECT().Save(notesPath, []byte("txt")).Return(nil),
		blobs.EXPECT().PublicURL(notesPath).Return("/"+notesPath),
		messages.EXPECT().CreateAttachment(gomock.Any(), &domain.Attachment{
			MessageId: 5, File: notesPath, Filename: "notes.txt", Url: "/" + notesPath,
		}).Return(&domain.Attachment{Id: 2}, nil),
	)

	message, links, err := archiver.Save(context.Background(), parsed, attachments, testAccount, "localhost", "8000")
	require.NoError(t, err)
	assert.Equal(t, int64(5), message.Id)
	assert.Equal(t, []domain.AttachmentLink{
		{Filename: "invoice.pdf", Url: "http://localhost:8000/" + invoicePath},
		{Filename: "notes.txt", Url: "http://localhost:8000/" + notesPath},
	}, links)
}

func TestArchiver_SavePlaceholderSubject(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	archiver, messages, _ := newTestArchiver(ctrl)

	messages.EXPECT().
		UpsertMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, message *domain.Message) (*domain.Message, error) {
			assert.Equal(t, PlaceholderSubject, message.Subject)
			return upsertReturningId(3)(ctx, message)
		})

	message, links, err := archiver.Save(context.Background(), &domain.ParsedMail{MessageId: "x", Subject: "  "}, nil, testAccount, "localhost", "8000")
	require.NoError(t, err)
	assert.Equal(t, PlaceholderSubject, message.Subject)
	assert.NotNil(t, links)
	assert.Empty(t, links)
}

func TestArchiver_SaveTruncatesLongFilenames(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	archiver, messages, blobs := newTestArchiver(ctrl)
	original := strings.Repeat("ä", 200) + ".pdf"

	messages.EXPECT().UpsertMessage(gomock.Any(), gomock.Any()).DoAndReturn(upsertReturningId(1))
	var stored string
	blobs.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(p string, content []byte) error {
		stored = p
		return nil
	})
	blobs.EXPECT().PublicURL(gomock.Any()).Return("/url")
	messages.EXPECT().CreateAttachment(gomock.Any(), gomock.Any()).Return(&domain.Attachment{}, nil)

	_, links, err := archiver.Save(
		context.Background(),
		&domain.ParsedMail{MessageId: "x", Subject: "Long"},
		[]*domain.MailAttachment{{Filename: original, Content: []byte("pdf")}},
		testAccount, "localhost", "8000",
	)
	require.NoError(t, err)
	require.Len(t, links, 1)

	assert.LessOrEqual(t, len(stored), 255)
	assert.True(t, strings.HasSuffix(links[0].Filename, ".pdf"))
	assert.True(t, strings.HasPrefix(original, strings.TrimSuffix(links[0].Filename, ".pdf")))
	assert.True(t, strings.HasSuffix(stored, "/"+links[0].Filename))
}

func TestArchiver_SaveBlobFailureKeepsEarlierAttachments(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	archiver, messages, blobs := newTestArchiver(ctrl)

	messages.EXPECT().UpsertMessage(gomock.Any(), gomock.Any()).DoAndReturn(upsertReturningId(1))
	gomock.InOrder(
		blobs.EXPECT().Save(gomock.Any(), []byte("one")).Return(nil),
		blobs.EXPECT().PublicURL(gomock.Any()).Return("/one"),
		messages.EXPECT().CreateAttachment(gomock.Any(), gomock.Any()).Return(&domain.Attachment{}, nil),
		blobs.EXPECT().Save(gomock.Any(), []byte("two")).Return(errors.New("disk full")),
	)

	message, links, err := archiver.Save(
		context.Background(),
		&domain.ParsedMail{MessageId: "x", Subject: "Two"},
		[]*domain.MailAttachment{{Filename: "one.txt", Content: []byte("one")}, {Filename: "two.txt", Content: []byte("two")}},
		testAccount, "localhost", "8000",
	)
	assert.EqualError(t, err, `could not store attachment "two.txt": disk full`)
	assert.NotNil(t, message)
	assert.Len(t, links, 1)
}

func TestArchiver_SaveUpsertFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	archiver, messages, _ := newTestArchiver(ctrl)
	messages.EXPECT().UpsertMessage(gomock.Any(), gomock.Any()).Return(nil, errors.New("db locked"))

	message, links, err := archiver.Save(context.Background(), &domain.ParsedMail{MessageId: "x"}, nil, testAccount, "h", "1")
	assert.EqualError(t, err, "could not save mail: db locked")
	assert.Nil(t, message)
	assert.Nil(t, links)
}
