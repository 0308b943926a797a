// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "errors"

// Error kinds. Wrap them with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("timeout")
	ErrProtocol    = errors.New("protocol error")
	ErrCredentials = errors.New("invalid credentials")
)
