package probe

import (
	"fmt"
	"sort"
	"strings"
)

// RegisterSet maps register names and their aliases to a canonical name
// and a canonical index for one architecture. Index order matches the
// register order GDB uses for the architecture when no target description
// is available.
//
// A RegisterSet is immutable once built.
type RegisterSet struct {
	Arch  string
	names []string
	index map[string]int
}

// Canonical returns the canonical name and index of name, which may be an
// alias. Lookup is case insensitive.
func (rs *RegisterSet) Canonical(name string) (string, int, bool) {
	i, ok := rs.index[strings.ToLower(name)]
	if !ok {
		return "", 0, false
	}
	return rs.names[i], i, true
}

// Names returns the canonical register names in index order.
func (rs *RegisterSet) Names() []string {
	r := make([]string, len(rs.names))
	copy(r, rs.names)
	return r
}

func newRegisterSet(arch string, names []string, aliases map[string]string) *RegisterSet {
	rs := &RegisterSet{Arch: arch, names: names, index: make(map[string]int, len(names)+len(aliases))}
	for i, name := range names {
		rs.index[strings.ToLower(name)] = i
	}
	for alias, name := range aliases {
		i, ok := rs.index[name]
		if !ok {
			panic(fmt.Sprintf("alias %s of unknown register %s", alias, name))
		}
		rs.index[alias] = i
	}
	return rs
}

var cortexMRegisters = func() *RegisterSet {
	names := make([]string, 0, 26)
	for i := 0; i < 13; i++ {
		names = append(names, fmt.Sprintf("r%d", i))
	}
	names = append(names, "sp", "lr", "pc")
	// legacy FPA registers f0-f7 and fps occupy 16-24 in GDB's arm numbering
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("f%d", i))
	}
	names = append(names, "fps", "xpsr")
	return newRegisterSet("cortex-m", names, map[string]string{
		"r13":  "sp",
		"r14":  "lr",
		"r15":  "pc",
		"msp":  "sp",
		"ip":   "r12",
		"fp":   "r11",
		"sb":   "r9",
		"cpsr": "xpsr",
		"psr":  "xpsr",
	})
}()

var riscvABINames = []string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"fp", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var riscvRegisters = func() *RegisterSet {
	names := append(append([]string{}, riscvABINames...), "pc")
	aliases := map[string]string{"s0": "fp"}
	for i, name := range riscvABINames {
		aliases[fmt.Sprintf("x%d", i)] = name
	}
	return newRegisterSet("riscv", names, aliases)
}()

var registerSets = map[string]*RegisterSet{
	"cortex-m": cortexMRegisters,
	"arm":      cortexMRegisters,
	"riscv":    riscvRegisters,
	"rv32":     riscvRegisters,
}

// RegisterSetFor returns the register table for arch.
func RegisterSetFor(arch string) (*RegisterSet, error) {
	rs, ok := registerSets[strings.ToLower(arch)]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q (known: %s)", arch, strings.Join(Architectures(), ", "))
	}
	return rs, nil
}

// Architectures returns the architecture names accepted by RegisterSetFor.
func Architectures() []string {
	r := make([]string, 0, len(registerSets))
	for k := range registerSets {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}
