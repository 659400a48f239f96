// Package templates embeds the default configuration and the operator guide.
package templates

import "embed"

//go:embed config.yaml quorum.md
var FS embed.FS
