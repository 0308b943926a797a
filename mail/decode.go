// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	htmlcharset "golang.org/x/net/html/charset"
)

// minimum chardet confidence before a detected charset is trusted
const detectConfidence = 10

// DecodeText turns payload into a string. Valid UTF-8 is returned as is, anything else is decoded
// with a detected charset and, if that fails too, has its invalid sequences replaced.
func DecodeText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(payload)
	if err == nil && result.Confidence >= detectConfidence {
		if text, ok := DecodeCharset(payload, result.Charset); ok {
			return text
		}
	}

	return strings.ToValidUTF8(string(payload), string(utf8.RuneError))
}

// DecodeCharset decodes payload from the charset named by label. ok is false when the label is
// unknown or the payload does not decode cleanly.
func DecodeCharset(payload []byte, label string) (string, bool) {
	enc, name := htmlcharset.Lookup(strings.TrimSpace(label))
	if enc == nil {
		return "", false
	}
	if name == "utf-8" && !utf8.Valid(payload) {
		return "", false
	}

	decoded, err := enc.NewDecoder().Bytes(payload)
	if err != nil || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}
