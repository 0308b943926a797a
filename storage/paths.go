// SPDX-License-Identifier: GPL-3.0-or-later
package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// AttachmentsDir is the top level directory of all attachment paths and the first segment of
// their URLs.
const AttachmentsDir = "attachments"

const (
	maxSubfolderRunes = 32
	defaultFilename   = "attachment"
)

var ErrNoFilenameBudget = errors.New("no room left for a filename")

// SubfolderName derives a directory name from a subject. Equal subjects give equal names.
func SubfolderName(subject string) string {
	slug := strings.Builder{}
	runes := 0
	lastUnderscore := true
	for _, r := range norm.NFC.String(subject) {
		if runes >= maxSubfolderRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			slug.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			slug.WriteRune('_')
			lastUnderscore = true
		} else {
			continue
		}
		runes++
	}

	name := strings.Trim(slug.String(), "_")
	if len(name) == 0 {
		name = "message"
	}

	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("%s_%x", name, sum[:4])
}

// FilenameBudget is the number of bytes left for a filename when it is joined with dirs under a
// path length limit of max.
func FilenameBudget(max int, dirs ...string) int {
	budget := max
	for _, d := range dirs {
		budget -= len(d) + 1
	}
	return budget
}

// SanitizeFilename strips directories and unsafe characters from name and truncates it to at most
// max bytes. Truncation shortens the stem and keeps the extension when there is room for it.
func SanitizeFilename(name string, max int) (string, error) {
	if max <= 0 {
		return "", ErrNoFilenameBudget
	}

	name = norm.NFC.String(name)
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`:*?"<>|`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")
	if len(name) == 0 {
		name = defaultFilename
	}

	if len(name) <= max {
		return name, nil
	}

	ext := path.Ext(name)
	if len(ext) > 0 && len(ext) < max {
		stem := truncate(strings.TrimSuffix(name, ext), max-len(ext))
		if len(stem) > 0 {
			return stem + ext, nil
		}
	}

	truncated := truncate(name, max)
	if len(truncated) == 0 {
		return "", ErrNoFilenameBudget
	}
	return truncated, nil
}

// AttachmentPath joins the path segments of an attachment below AttachmentsDir.
func AttachmentPath(email, subfolder, filename string) string {
	email = strings.NewReplacer("/", "_", `\`, "_").Replace(email)
	return strings.Join([]string{AttachmentsDir, email, subfolder, filename}, "/")
}

// AttachmentURL builds the absolute URL a client uses to download the attachment stored at p.
func AttachmentURL(scheme, host, port, p string) string {
	if len(port) > 0 {
		host = net.JoinHostPort(host, port)
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/" + strings.TrimPrefix(p, "/"),
	}
	return u.String()
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
