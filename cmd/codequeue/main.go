// Command codequeue is the cross-boundary code execution queue CLI.
package main

import (
	"github.com/3leaps/codequeue/internal/cmd"
)

// Injected at build time via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
