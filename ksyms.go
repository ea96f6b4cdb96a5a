package kattach

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

const kallsymsPath = "/proc/kallsyms"

// Symbol is a kernel symbol table entry.
type Symbol struct {
	Name   string
	Module string
	Addr   uint64
	Size   uint64
}

// Symbols resolves kernel function names to symbol table entries.
type Symbols interface {
	Lookup(name string) (Symbol, bool)
}

// Kallsyms is a [Symbols] backed by /proc/kallsyms.
type Kallsyms struct {
	byName map[string]Symbol
}

// LoadKallsyms reads and indexes /proc/kallsyms.
func LoadKallsyms() (*Kallsyms, error) {
	f, err := os.Open(kallsymsPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kallsymsPath, err)
	}
	defer f.Close()

	ks, err := parseKallsyms(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kallsymsPath, err)
	}
	return ks, nil
}

// parseKallsyms parses "addr type name [module]" lines. Symbol sizes are not
// reported by the kernel, so each size is the distance to the next address.
func parseKallsyms(r io.Reader) (*Kallsyms, error) {
	var syms []Symbol
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		sym := Symbol{Name: fields[2], Addr: addr}
		if len(fields) > 3 && strings.HasPrefix(fields[3], "[") && strings.HasSuffix(fields[3], "]") {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		syms = append(syms, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(syms, func(a, b Symbol) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	for i := range syms {
		for j := i + 1; j < len(syms); j++ {
			if syms[j].Addr > syms[i].Addr {
				syms[i].Size = syms[j].Addr - syms[i].Addr
				break
			}
		}
	}

	ks := &Kallsyms{byName: make(map[string]Symbol, len(syms))}
	for _, s := range syms {
		// Zero addresses mean kptr_restrict hides them; they are useless to us.
		if s.Addr == 0 {
			continue
		}
		if _, dup := ks.byName[s.Name]; !dup {
			ks.byName[s.Name] = s
		}
	}
	return ks, nil
}

// Lookup implements [Symbols].
func (k *Kallsyms) Lookup(name string) (Symbol, bool) {
	s, ok := k.byName[name]
	return s, ok
}

// Len returns the number of indexed symbols.
func (k *Kallsyms) Len() int {
	return len(k.byName)
}
