// Package frontend embeds the built dashboard served by "pipewatch serve".
package frontend

import (
	"embed"
	"io/fs"
)

//go:embed dist
var dist embed.FS

// DistFS returns the embedded dashboard. Paths are prefixed with "dist/".
func DistFS() fs.FS {
	return dist
}
