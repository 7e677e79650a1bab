package main

import (
	"os"

	"github.com/rttview/rttview/cmd/rttview/cmds"
	"github.com/rttview/rttview/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RTTViewVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
