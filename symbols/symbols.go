package symbols

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Symbol is a named address range. Size is zero when the object file did not
// record one.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

func (s *Symbol) Contains(addr uint64) bool {
	if addr < s.Address {
		return false
	}
	return s.Size == 0 || addr-s.Address < s.Size
}

// Resolver maps addresses to symbols for diagnostics.
type Resolver interface {
	Lookup(addr uint64) (*Symbol, bool)
	LookupExact(addr uint64) (*Symbol, bool)
}

// Table is an address-ordered symbol table.
type Table struct {
	syms *treemap.Map // uint64 -> *Symbol
}

func NewTable() *Table {
	return &Table{syms: treemap.NewWith(utils.UInt64Comparator)}
}

// Add registers a symbol. When two symbols share an address the sized one wins,
// then the first one added.
func (t *Table) Add(name string, addr, size uint64) {
	if v, ok := t.syms.Get(addr); ok {
		prev := v.(*Symbol)
		if prev.Size != 0 || size == 0 {
			return
		}
	}
	t.syms.Put(addr, &Symbol{Name: name, Address: addr, Size: size})
}

func (t *Table) Len() int { return t.syms.Size() }

// Lookup returns the nearest symbol at or below addr, provided addr falls
// inside it.
func (t *Table) Lookup(addr uint64) (*Symbol, bool) {
	if t == nil {
		return nil, false
	}
	_, v := t.syms.Floor(addr)
	if v == nil {
		return nil, false
	}
	s := v.(*Symbol)
	if !s.Contains(addr) {
		return nil, false
	}
	return s, true
}

func (t *Table) LookupExact(addr uint64) (*Symbol, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.syms.Get(addr)
	if !ok {
		return nil, false
	}
	return v.(*Symbol), true
}

// Symbols returns all symbols in address order.
func (t *Table) Symbols() []*Symbol {
	out := make([]*Symbol, 0, t.syms.Size())
	it := t.syms.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Symbol))
	}
	return out
}

// Format renders addr as "name+0xoff", or the bare address when no symbol
// covers it.
func Format(r Resolver, addr uint64) string {
	if r != nil {
		if s, ok := r.Lookup(addr); ok {
			if addr == s.Address {
				return s.Name
			}
			return fmt.Sprintf("%s+0x%x", s.Name, addr-s.Address)
		}
	}
	return fmt.Sprintf("0x%016x", addr)
}
