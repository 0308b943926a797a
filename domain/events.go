// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type EventType string

const (
	EventTotalEmails = EventType("total_emails")
	EventNewEmail    = EventType("new_email")
	EventError       = EventType("error")
)

// Event is one server to client frame. The set of events is closed, see the constructors below.
type Event interface {
	EventType() EventType
}

type TotalEmailsEvent struct {
	Type  EventType `json:"type"`
	Total int       `json:"total"`
}

func NewTotalEmailsEvent(total int) *TotalEmailsEvent {
	return &TotalEmailsEvent{Type: EventTotalEmails, Total: total}
}

func (e *TotalEmailsEvent) EventType() EventType { return e.Type }

type EmailData struct {
	Subject     string           `json:"subject"`
	MailFrom    string           `json:"mail_from"`
	Date        string           `json:"date"`
	Received    string           `json:"received"`
	Text        string           `json:"text"`
	Attachments []AttachmentLink `json:"attachments"`
}

type NewEmailEvent struct {
	Type      EventType `json:"type"`
	EmailData EmailData `json:"email_data"`
}

func NewNewEmailEvent(message *Message, attachments []AttachmentLink) *NewEmailEvent {
	if attachments == nil {
		attachments = []AttachmentLink{}
	}
	return &NewEmailEvent{
		Type: EventNewEmail,
		EmailData: EmailData{
			Subject:     message.Subject,
			MailFrom:    message.MailFrom,
			Date:        formatTime(message.SentAt),
			Received:    formatTime(message.ReceivedAt),
			Text:        message.BodyText,
			Attachments: attachments,
		},
	}
}

func (e *NewEmailEvent) EventType() EventType { return e.Type }

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func NewErrorEvent(message string) *ErrorEvent {
	return &ErrorEvent{Type: EventError, Message: message}
}

func (e *ErrorEvent) EventType() EventType { return e.Type }

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
