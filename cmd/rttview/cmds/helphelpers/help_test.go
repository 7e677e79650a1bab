package helphelpers_test

import (
	"testing"

	"github.com/rttview/rttview/cmd/rttview/cmds"
	"github.com/rttview/rttview/cmd/rttview/cmds/helphelpers"
)

func TestPrepare(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := cmds.New(true)
	scan, _, err := root.Find([]string{"scan"})
	if err != nil {
		t.Fatal(err)
	}
	// merge the persistent flags of the root into the flag set of scan
	scan.InheritedFlags()
	helphelpers.Prepare(scan)
	for name, hidden := range map[string]bool{"poll": true, "up": true, "down": true, "base": false, "strict": false} {
		if f := scan.Flags().Lookup(name); f == nil || f.Hidden != hidden {
			t.Errorf("%s: expected hidden=%v; got %+v", name, hidden, f)
		}
	}

	version, _, err := cmds.New(true).Find([]string{"version"})
	if err != nil {
		t.Fatal(err)
	}
	helphelpers.Prepare(version)
	if f := version.Flags().Lookup("verbose"); f == nil || !f.Hidden {
		t.Errorf("expected hidden verbose flag; got %+v", f)
	}
}
