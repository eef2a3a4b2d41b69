// Package memory implements the emulated process address space: a set of
// named, permissioned regions addressed through an ordered map so that the
// region owning any address is found with a single floor query.
package memory

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

const PageSize = 4096

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return "unknown"
}

func (a Access) perm() Perm {
	switch a {
	case AccessWrite:
		return PermWrite
	case AccessExec:
		return PermExec
	}
	return PermRead
}

// SegmentationViolation is raised for accesses to unmapped memory or accesses
// the owning region does not permit.
type SegmentationViolation struct {
	Addr   uint64
	Access Access
	Region string
}

func (e *SegmentationViolation) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("segmentation violation: %s of unmapped address 0x%016x", e.Access, e.Addr)
	}
	return fmt.Sprintf("segmentation violation: %s of 0x%016x in '%s'", e.Access, e.Addr, e.Region)
}

func (e *SegmentationViolation) Unwrap() error { return vmerrors.ErrSegfault }

// Region is one contiguous mapping.
type Region struct {
	Base uint64
	Size uint64
	Perm Perm
	Name string
	data []byte
}

func (r *Region) End() uint64 { return r.Base + r.Size }

// Bytes returns the region's backing store.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Memory is the emulated address space. It is not safe for concurrent use.
type Memory struct {
	regions *treemap.Map // uint64 -> *Region
	heap    *Region
	brk     uint64
}

func New() *Memory {
	return &Memory{regions: treemap.NewWith(utils.UInt64Comparator)}
}

// RoundToPageSize rounds size up to a multiple of PageSize.
func RoundToPageSize(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Map creates a zero-filled region. Regions may not overlap.
func (m *Memory) Map(base, size uint64, perm Perm, name string) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("map %s at 0x%x: empty region", name, base)
	}
	if base+size < base {
		return nil, fmt.Errorf("map %s at 0x%x: size 0x%x wraps the address space", name, base, size)
	}
	if r := m.overlapping(base, size); r != nil {
		return nil, fmt.Errorf("map %s [0x%x, 0x%x) overlaps '%s' [0x%x, 0x%x): %w",
			name, base, base+size, r.Name, r.Base, r.End(), vmerrors.ErrRegionOverlap)
	}
	r := &Region{Base: base, Size: size, Perm: perm, Name: name, data: make([]byte, size)}
	m.regions.Put(base, r)
	return r, nil
}

// MapBytes maps a region of at least len(data) bytes initialized with data.
func (m *Memory) MapBytes(base uint64, data []byte, size uint64, perm Perm, name string) (*Region, error) {
	if size < uint64(len(data)) {
		size = uint64(len(data))
	}
	r, err := m.Map(base, size, perm, name)
	if err != nil {
		return nil, err
	}
	copy(r.data, data)
	return r, nil
}

func (m *Memory) overlapping(base, size uint64) *Region {
	if r, ok := m.Region(base); ok {
		return r
	}
	_, v := m.regions.Ceiling(base)
	if v == nil {
		return nil
	}
	if r := v.(*Region); r.Base < base+size {
		return r
	}
	return nil
}

// Unmap removes the region starting at base.
func (m *Memory) Unmap(base uint64) error {
	if _, ok := m.regions.Get(base); !ok {
		return &SegmentationViolation{Addr: base, Access: AccessWrite}
	}
	m.regions.Remove(base)
	if m.heap != nil && m.heap.Base == base {
		m.heap = nil
	}
	return nil
}

// Region returns the region containing addr.
func (m *Memory) Region(addr uint64) (*Region, bool) {
	_, v := m.regions.Floor(addr)
	if v == nil {
		return nil, false
	}
	r := v.(*Region)
	if !r.Contains(addr) {
		return nil, false
	}
	return r, true
}

// Regions returns all regions in address order.
func (m *Memory) Regions() []*Region {
	out := make([]*Region, 0, m.regions.Size())
	it := m.regions.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Region))
	}
	return out
}

func (m *Memory) check(addr uint64, n int, access Access) (*Region, uint64, error) {
	r, ok := m.Region(addr)
	if !ok {
		return nil, 0, &SegmentationViolation{Addr: addr, Access: access}
	}
	if r.Perm&access.perm() == 0 {
		return nil, 0, &SegmentationViolation{Addr: addr, Access: access, Region: r.Name}
	}
	off := addr - r.Base
	if off+uint64(n) > r.Size {
		return nil, 0, nil
	}
	return r, off, nil
}

// ReadBytes reads n bytes at addr, crossing region boundaries if the regions are
// adjacent and readable.
func (m *Memory) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	return out, m.read(addr, out, AccessRead)
}

func (m *Memory) read(addr uint64, out []byte, access Access) error {
	r, off, err := m.check(addr, len(out), access)
	if err != nil {
		return err
	}
	if r != nil {
		copy(out, r.data[off:off+uint64(len(out))])
		return nil
	}
	for i := range out {
		r, off, err := m.check(addr+uint64(i), 1, access)
		if err != nil {
			return err
		}
		out[i] = r.data[off]
	}
	return nil
}

// WriteBytes writes data at addr.
func (m *Memory) WriteBytes(addr uint64, data []byte) error {
	r, off, err := m.check(addr, len(data), AccessWrite)
	if err != nil {
		return err
	}
	if r != nil {
		copy(r.data[off:], data)
		return nil
	}
	for i, b := range data {
		r, off, err := m.check(addr+uint64(i), 1, AccessWrite)
		if err != nil {
			return err
		}
		r.data[off] = b
	}
	return nil
}

// Poke writes data ignoring region permissions. Loaders use it to fill
// read-only segments.
func (m *Memory) Poke(addr uint64, data []byte) error {
	for i, b := range data {
		r, ok := m.Region(addr + uint64(i))
		if !ok {
			return &SegmentationViolation{Addr: addr + uint64(i), Access: AccessWrite}
		}
		r.data[addr+uint64(i)-r.Base] = b
	}
	return nil
}

// Read returns the little-endian value of size 1, 2, 4 or 8 bytes at addr.
func (m *Memory) Read(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := m.read(addr, buf[:size], AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write stores the low size bytes of val at addr.
func (m *Memory) Write(addr uint64, size int, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return m.WriteBytes(addr, buf[:size])
}

func (m *Memory) Read64(addr uint64) (uint64, error) { return m.Read(addr, 8) }

func (m *Memory) Write64(addr uint64, val uint64) error { return m.Write(addr, 8, val) }

// Fetch copies up to len(buf) executable bytes at addr into buf and returns the
// count. A short count means the executable range ends before len(buf).
func (m *Memory) Fetch(addr uint64, buf []byte) (int, error) {
	for i := range buf {
		r, off, err := m.check(addr+uint64(i), 1, AccessExec)
		if err != nil {
			if i == 0 {
				return 0, err
			}
			return i, nil
		}
		buf[i] = r.data[off]
	}
	return len(buf), nil
}

// InitHeap maps an empty heap at base; Brk grows it.
func (m *Memory) InitHeap(base uint64) {
	m.brk = base
	m.heap = nil
}

// Brk implements the brk program break: a request below the current break or
// zero returns the current break unchanged.
func (m *Memory) Brk(addr uint64) uint64 {
	if addr <= m.brk {
		return m.brk
	}
	if m.heap == nil {
		base := m.brk
		r, err := m.Map(base, RoundToPageSize(addr-base), PermRW, "[heap]")
		if err != nil {
			return m.brk
		}
		m.heap = r
		m.brk = addr
		return m.brk
	}
	need := RoundToPageSize(addr - m.heap.Base)
	if need > m.heap.Size {
		if r := m.overlapping(m.heap.End(), need-m.heap.Size); r != nil {
			return m.brk
		}
		data := make([]byte, need)
		copy(data, m.heap.data)
		m.heap.data = data
		m.heap.Size = need
	}
	m.brk = addr
	return m.brk
}

// PrintLayout writes the region table.
func (m *Memory) PrintLayout(w io.Writer) {
	fmt.Fprintf(w, "Memory map:\n")
	for _, r := range m.Regions() {
		fmt.Fprintf(w, "%016x-%016x %s %s\n", r.Base, r.End(), r.Perm, r.Name)
	}
}
