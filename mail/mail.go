// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	stdmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CrawX/go-imap-mailstream/domain"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Parse reads the headers, the plain text body and the attachments of a raw RFC 5322 message.
// internalDate is used as the received date when no Received header can be parsed.
func Parse(rawMail []byte, internalDate time.Time) (*domain.ParsedMail, error) {
	entity, err := readEntity(rawMail)
	if err != nil {
		return nil, err
	}

	header := gomail.Header{Header: entity.Header}
	parsed := &domain.ParsedMail{
		Subject:  headerText(entity.Header, "Subject"),
		From:     headerText(entity.Header, "From"),
		Received: receivedDate(entity.Header, internalDate),
	}

	if date, err := header.Date(); err == nil && !date.IsZero() {
		parsed.Date = &date
	}

	messageId, err := header.MessageID()
	if err != nil || len(messageId) == 0 {
		messageId, err = fallbackMessageId(entity.Header)
		if err != nil {
			return nil, err
		}
	}
	parsed.MessageId = messageId

	parsed.Text = ExtractText(entity)

	// The body of the first entity has been consumed, attachments need a fresh read
	attachmentEntity, err := ReadRaw(rawMail)
	if err != nil {
		return nil, err
	}
	parsed.Attachments = ExtractAttachments(attachmentEntity)

	return parsed, nil
}

// ExtractText returns the decoded text of all text/plain parts of a multipart message in walk order.
// A single part message yields its body only if it is text/plain.
func ExtractText(entity *message.Entity) string {
	if !isMultipart(entity.Header) {
		if !isPlainText(entity.Header) {
			return ""
		}
		return readText(entity)
	}

	text := strings.Builder{}
	_ = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !recoverable(err) {
			return err
		}
		if isMultipart(part.Header) || !isPlainText(part.Header) {
			return nil
		}
		text.WriteString(readText(part))
		return nil
	})

	return text.String()
}

// ExtractAttachments returns every non-container part that carries a Content-Disposition header
// and a filename, in walk order. Duplicate filenames are kept. Attachment content is only transfer
// decoded, a declared charset is not applied. A single part entity should come from ReadRaw.
func ExtractAttachments(entity *message.Entity) []*domain.MailAttachment {
	attachments := []*domain.MailAttachment{}
	_ = walkRaw(entity.Header, entity.Body, func(header message.Header, body io.Reader) {
		if len(header.Get("Content-Disposition")) == 0 {
			return
		}

		attachmentHeader := gomail.AttachmentHeader{Header: header}
		filename, _ := attachmentHeader.Filename()
		if len(filename) == 0 {
			return
		}

		// A broken transfer encoding keeps whatever could be decoded
		content, _ := io.ReadAll(body)
		attachments = append(
			attachments,
			&domain.MailAttachment{
				Filename: filename,
				Content:  content,
			},
		)
	})

	return attachments
}

// ReadRaw reads a message like message.Read but leaves the body in its declared charset.
func ReadRaw(rawMail []byte) (*message.Entity, error) {
	br := bufio.NewReader(bytes.NewReader(rawMail))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}

	header := message.Header{Header: h}
	entity, err := message.New(withoutCharset(header), br)
	if err != nil && !recoverable(err) {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}
	entity.Header = header
	return entity, nil
}

// walkRaw calls fn for every leaf part below header and body with the transfer decoded body.
// Multipart bodies are split without any decoding.
func walkRaw(header message.Header, body io.Reader, fn func(header message.Header, body io.Reader)) error {
	mediaType, params, _ := header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		fn(header, body)
		return nil
	}

	mr := textproto.NewMultipartReader(body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		partHeader := message.Header{Header: p.Header}
		if isMultipart(partHeader) {
			err = walkRaw(partHeader, p, fn)
			if err != nil {
				return err
			}
			continue
		}

		part, err := message.New(withoutCharset(partHeader), p)
		if err != nil && !recoverable(err) {
			continue
		}
		fn(partHeader, part.Body)
	}
}

func withoutCharset(header message.Header) message.Header {
	mediaType, params, err := header.ContentType()
	if err != nil || len(params["charset"]) == 0 {
		return header
	}

	stripped := header.Copy()
	delete(params, "charset")
	stripped.SetContentType(mediaType, params)
	return stripped
}

func ShortSubject(subject string) string {
	runes := []rune(subject)
	if len(runes) > 30 {
		subject = string(runes[:30]) + "..."
	}
	return subject
}

func readEntity(rawMail []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(rawMail))
	if err != nil && !recoverable(err) {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}
	return entity, nil
}

func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func isMultipart(header message.Header) bool {
	mediaType, _, _ := header.ContentType()
	return strings.HasPrefix(mediaType, "multipart/")
}

func isPlainText(header message.Header) bool {
	if len(header.Get("Content-Type")) == 0 {
		return true
	}
	mediaType, _, err := header.ContentType()
	if err != nil {
		return false
	}
	return mediaType == "text/plain"
}

func readText(entity *message.Entity) string {
	payload, _ := io.ReadAll(entity.Body)
	if utf8.Valid(payload) {
		return string(payload)
	}

	// Known charsets were converted while reading, this is an unknown or a wrongly declared one
	_, params, _ := entity.Header.ContentType()
	if label, ok := params["charset"]; ok {
		if text, ok := DecodeCharset(payload, label); ok {
			return text
		}
	}

	return DecodeText(payload)
}

func headerText(header message.Header, key string) string {
	text, err := header.Text(key)
	if err != nil {
		return DecodeText([]byte(header.Get(key)))
	}
	return text
}

func receivedDate(header message.Header, internalDate time.Time) *time.Time {
	received := header.Values("Received")
	if len(received) > 0 {
		idx := strings.LastIndex(received[0], ";")
		if idx >= 0 {
			date, err := stdmail.ParseDate(strings.TrimSpace(received[0][idx+1:]))
			if err == nil {
				return &date
			}
		}
	}

	if internalDate.IsZero() {
		return nil
	}
	return &internalDate
}

func fallbackMessageId(header message.Header) (string, error) {
	mailIdHash, err := hash([][]string{
		header.Values("Received"),
		header.Values("Date"),
		header.Values("From"),
		header.Values("Subject"),
	})
	if err != nil {
		return "", fmt.Errorf("could not hash headers: %w", err)
	}

	return fmt.Sprintf("%s@mailstream", mailIdHash), nil
}

func hash(input [][]string) (string, error) {
	sha := sha256.New()
	for _, i := range input {
		for _, ii := range i {
			_, err := sha.Write([]byte(ii))
			if err != nil {
				return "", fmt.Errorf("could not hash: %w", err)
			}
		}
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}
