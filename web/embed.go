package web

import "embed"

// FS holds the status page served by the monitor.
//
//go:embed *.html *.css *.js
var FS embed.FS
