// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type MailAttachment struct {
	Filename string
	Content  []byte
}

type ParsedMail struct {
	MessageId   string
	Subject     string
	From        string
	Date        *time.Time
	Received    *time.Time
	Text        string
	Attachments []*MailAttachment
}
