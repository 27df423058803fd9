// Package prompts embeds the agent prompt templates.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
