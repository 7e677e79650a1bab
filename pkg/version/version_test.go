package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc123"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abc123"; got != want {
		t.Fatalf("expected %q; got %q", want, got)
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), "go") {
		t.Fatalf("expected toolchain version first; got %q", BuildInfo())
	}
}
