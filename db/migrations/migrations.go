// Package migrations embeds the goose migration set so cmd/flowforge can
// apply it without depending on a filesystem path at runtime.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
