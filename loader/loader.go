package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/colorfulnotion/vmx86/vmerrors"
)

const (
	StackTop  = 0x7ffffffff000
	StackSize = 8 << 20
)

// Auxiliary vector tags.
const (
	AT_NULL     = 0
	AT_PHDR     = 3
	AT_PHENT    = 4
	AT_PHNUM    = 5
	AT_PAGESZ   = 6
	AT_BASE     = 7
	AT_FLAGS    = 8
	AT_ENTRY    = 9
	AT_UID      = 11
	AT_EUID     = 12
	AT_GID      = 13
	AT_EGID     = 14
	AT_PLATFORM = 15
	AT_HWCAP    = 16
	AT_CLKTCK   = 17
	AT_SECURE   = 23
	AT_RANDOM   = 25
	AT_EXECFN   = 31
)

var ErrNotStatic = errors.New("dynamically linked executables are not supported")

// Program describes a loaded image and its initial process state.
type Program struct {
	Name         string
	Entry        uint64
	StackPointer uint64
	Brk          uint64
	Symbols      *symbols.Table

	phdr  uint64
	phent uint64
	phnum uint64
}

// LoadELF loads a static x86-64 ELF executable from path.
func LoadELF(path string, mem *memory.Memory, argv, envp []string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, path, mem, argv, envp)
}

// Load maps the PT_LOAD segments of an ELF image, prepares the heap and
// builds the initial stack.
func Load(r io.ReaderAt, name string, mem *memory.Memory, argv, envp []string) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: %v %v: %w", name, f.Class, f.Machine, vmerrors.ErrUnsupported)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%s: type %v: %w", name, f.Type, vmerrors.ErrUnsupported)
	}

	var hdr [64]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}
	p := &Program{
		Name:    name,
		Entry:   f.Entry,
		Symbols: symbols.NewTable(),
		phent:   uint64(binary.LittleEndian.Uint16(hdr[0x36:])),
		phnum:   uint64(len(f.Progs)),
	}
	phoff := binary.LittleEndian.Uint64(hdr[0x20:])

	var loads []*elf.Prog
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			return nil, fmt.Errorf("%s: %w", name, ErrNotStatic)
		case elf.PT_LOAD:
			loads = append(loads, prog)
		}
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("%s: no loadable segments: %w", name, vmerrors.ErrUnsupported)
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	region := filepath.Base(name)
	var heap uint64
	for k, prog := range loads {
		size := memory.RoundToPageSize(prog.Vaddr+prog.Memsz) - prog.Vaddr
		if k+1 < len(loads) && prog.Vaddr+size > loads[k+1].Vaddr {
			size = loads[k+1].Vaddr - prog.Vaddr
		}
		if size < prog.Memsz {
			return nil, fmt.Errorf("%s: segment 0x%x overlaps the next one: %w", name, prog.Vaddr, vmerrors.ErrRegionOverlap)
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("%s: segment 0x%x: %w", name, prog.Vaddr, err)
		}
		if _, err := mem.MapBytes(prog.Vaddr, data, size, segmentPerm(prog.Flags), region); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prog.Off == 0 {
			p.phdr = prog.Vaddr + phoff
		}
		if end := prog.Vaddr + size; end > heap {
			heap = end
		}
		log.Debug(log.LoaderModule, "mapped segment", "vaddr", fmt.Sprintf("0x%x", prog.Vaddr), "size", size, "flags", prog.Flags)
	}
	heap = memory.RoundToPageSize(heap)
	mem.InitHeap(heap)
	p.Brk = heap

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: symbols: %w", name, err)
	}
	for _, s := range syms {
		t := elf.ST_TYPE(s.Info)
		if s.Name == "" || s.Value == 0 || s.Section == elf.SHN_UNDEF || (t != elf.STT_FUNC && t != elf.STT_OBJECT && t != elf.STT_NOTYPE) {
			continue
		}
		p.Symbols.Add(s.Name, s.Value, s.Size)
	}

	if p.StackPointer, err = setupStack(mem, p, argv, envp); err != nil {
		return nil, err
	}
	log.Info(log.LoaderModule, "loaded program", "name", name, "entry", fmt.Sprintf("0x%x", p.Entry), "symbols", p.Symbols.Len())
	return p, nil
}

// LoadRaw maps a flat code image read-execute at base and builds a stack for
// it. Execution starts at base.
func LoadRaw(code []byte, base uint64, mem *memory.Memory, argv, envp []string) (*Program, error) {
	size := memory.RoundToPageSize(uint64(len(code)))
	if size == 0 {
		size = memory.PageSize
	}
	if _, err := mem.MapBytes(base, code, size, memory.PermRX, "raw"); err != nil {
		return nil, err
	}
	p := &Program{Name: "raw", Entry: base, Symbols: symbols.NewTable(), Brk: base + size}
	mem.InitHeap(p.Brk)
	var err error
	if p.StackPointer, err = setupStack(mem, p, argv, envp); err != nil {
		return nil, err
	}
	return p, nil
}

func segmentPerm(flags elf.ProgFlag) memory.Perm {
	var p memory.Perm
	if flags&elf.PF_R != 0 {
		p |= memory.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= memory.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= memory.PermExec
	}
	return p
}

// setupStack maps the stack and lays out argc, argv, envp and the auxiliary
// vector the way the kernel does for a fresh process.
func setupStack(mem *memory.Memory, p *Program, argv, envp []string) (uint64, error) {
	if _, err := mem.Map(StackTop-StackSize, StackSize, memory.PermRW, "[stack]"); err != nil {
		return 0, err
	}
	sp := uint64(StackTop)
	pushString := func(s string) (uint64, error) {
		sp -= uint64(len(s) + 1)
		return sp, mem.WriteBytes(sp, append([]byte(s), 0))
	}

	execfn, err := pushString(p.Name)
	if err != nil {
		return 0, err
	}
	argPtrs := make([]uint64, len(argv))
	for k, s := range argv {
		if argPtrs[k], err = pushString(s); err != nil {
			return 0, err
		}
	}
	envPtrs := make([]uint64, len(envp))
	for k, s := range envp {
		if envPtrs[k], err = pushString(s); err != nil {
			return 0, err
		}
	}
	platform, err := pushString("x86_64")
	if err != nil {
		return 0, err
	}
	// AT_RANDOM bytes are derived from the name so runs are reproducible
	seed := common.Blake2Hash([]byte(p.Name))
	sp -= 16
	random := sp
	if err := mem.WriteBytes(random, seed[:16]); err != nil {
		return 0, err
	}
	sp &^= 15

	auxv := [][2]uint64{
		{AT_PHDR, p.phdr},
		{AT_PHENT, p.phent},
		{AT_PHNUM, p.phnum},
		{AT_PAGESZ, memory.PageSize},
		{AT_BASE, 0},
		{AT_FLAGS, 0},
		{AT_ENTRY, p.Entry},
		{AT_UID, 0},
		{AT_EUID, 0},
		{AT_GID, 0},
		{AT_EGID, 0},
		{AT_SECURE, 0},
		{AT_CLKTCK, 100},
		{AT_HWCAP, 0},
		{AT_RANDOM, random},
		{AT_EXECFN, execfn},
		{AT_PLATFORM, platform},
		{AT_NULL, 0},
	}

	var words []uint64
	words = append(words, uint64(len(argv)))
	words = append(words, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)
	for _, a := range auxv {
		words = append(words, a[0], a[1])
	}
	if len(words)%2 == 1 {
		sp -= 8
	}
	sp -= uint64(8 * len(words))
	for k, w := range words {
		if err := mem.Write64(sp+uint64(8*k), w); err != nil {
			return 0, err
		}
	}
	return sp, nil
}
