package web

import "embed"

// Templates embeds HTML templates.
//
//go:embed templates
var Templates embed.FS
