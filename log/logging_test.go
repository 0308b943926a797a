// SPDX-License-Identifier: GPL-3.0-or-later
package log

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"info", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			assert.Equal(t, tc.expected, getLevel(tc.level))
		})
	}
}

func TestPrefixLogger(t *testing.T) {
	f := NewPrefixLogger(LOG_SERVER)
	text, err := f.Format(&logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "Listening",
		Data:    logrus.Fields{},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^SV:\t.*Listening`, string(text))
}

func TestLogger(t *testing.T) {
	InitLogging("warn")
	assert.Equal(t, logrus.WarnLevel, Logger(LOG_MAILSTREAM).Level)

	SetLogLevel("debug")
	assert.Equal(t, logrus.DebugLevel, Logger(LOG_IMAP).Level)

	assert.Panics(t, func() {
		Logger("XX")
	})
}
