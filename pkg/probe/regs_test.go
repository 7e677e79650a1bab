package probe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterAliases(t *testing.T) {
	tests := []struct {
		arch, name, canonical string
		index                 int
	}{
		{"cortex-m", "r0", "r0", 0},
		{"cortex-m", "R13", "sp", 13},
		{"cortex-m", "r15", "pc", 15},
		{"cortex-m", "PC", "pc", 15},
		{"cortex-m", "psr", "xpsr", 25},
		{"cortex-m", "ip", "r12", 12},
		{"arm", "lr", "lr", 14},
		{"riscv", "x0", "zero", 0},
		{"riscv", "s0", "fp", 8},
		{"riscv", "x8", "fp", 8},
		{"rv32", "X31", "t6", 31},
		{"riscv", "pc", "pc", 32},
	}
	for _, tc := range tests {
		rs, err := RegisterSetFor(tc.arch)
		if err != nil {
			t.Fatal(err)
		}
		name, idx, ok := rs.Canonical(tc.name)
		if !ok {
			t.Fatalf("%s: %s not found", tc.arch, tc.name)
		}
		if name != tc.canonical || idx != tc.index {
			t.Fatalf("%s: %s: expected %s/%d; got %s/%d", tc.arch, tc.name, tc.canonical, tc.index, name, idx)
		}
	}
}

func TestRegisterSetUnknown(t *testing.T) {
	rs, err := RegisterSetFor("cortex-m")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := rs.Canonical("x5"); ok {
		t.Fatal("riscv name accepted by cortex-m table")
	}
	if _, err := RegisterSetFor("mips"); err == nil {
		t.Fatal("expected error for unknown architecture")
	}
}

func TestArchitectures(t *testing.T) {
	if diff := cmp.Diff([]string{"arm", "cortex-m", "riscv", "rv32"}, Architectures()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestRegisterNames(t *testing.T) {
	rs, _ := RegisterSetFor("cortex-m")
	names := rs.Names()
	if len(names) != 26 || names[25] != "xpsr" || names[16] != "f0" {
		t.Fatalf("unexpected cortex-m table %v", names)
	}
	names[0] = "clobbered"
	if n, _, _ := rs.Canonical("r0"); n != "r0" {
		t.Fatal("Names exposed internal slice")
	}
}
