// Package templates embeds the default configuration and an example manifest.
package templates

import "embed"

//go:embed config.yaml example.yaml
var FS embed.FS
