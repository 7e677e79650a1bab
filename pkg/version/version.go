package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Version represents the current version of rttview.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// RTTViewVersion is the current version of rttview.
var RTTViewVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

var buildInfo = func() string {
	return ""
}

// BuildInfo returns the toolchain version followed by the module list.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), buildInfo())
}

// fixBuild replaces an unexpanded Build with the VCS revision recorded by
// the toolchain, when there is one.
func fixBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id") {
		return
	}
	for _, key := range []string{"vcs.revision", "gitrevision"} {
		if rev := buildSetting(key); rev != "" {
			v.Build = rev
			return
		}
	}
}
