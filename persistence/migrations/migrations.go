// SPDX-License-Identifier: GPL-3.0-or-later
package migrations

import "embed"

// FS holds one directory of migrations per SQL dialect below sql/.
//
//go:embed sql
var FS embed.FS
