package posix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/ethereum/go-ethereum/metrics"
)

// Linux x86-64 syscall numbers.
const (
	SYS_read           = 0
	SYS_write          = 1
	SYS_open           = 2
	SYS_close          = 3
	SYS_brk            = 12
	SYS_rt_sigaction   = 13
	SYS_rt_sigprocmask = 14
	SYS_ioctl          = 16
	SYS_writev         = 20
	SYS_getpid         = 39
	SYS_exit           = 60
	SYS_uname          = 63
	SYS_readlink       = 89
	SYS_getuid         = 102
	SYS_getgid         = 104
	SYS_geteuid        = 107
	SYS_getegid        = 108
	SYS_arch_prctl     = 158
	SYS_gettid         = 186
	SYS_set_tid_addr   = 218
	SYS_exit_group     = 231
	SYS_tgkill         = 234
)

var syscallNames = map[uint64]string{
	SYS_read: "read", SYS_write: "write", SYS_open: "open", SYS_close: "close",
	SYS_brk: "brk", SYS_rt_sigaction: "rt_sigaction", SYS_rt_sigprocmask: "rt_sigprocmask",
	SYS_ioctl: "ioctl", SYS_writev: "writev", SYS_getpid: "getpid", SYS_exit: "exit",
	SYS_uname: "uname", SYS_readlink: "readlink", SYS_getuid: "getuid", SYS_getgid: "getgid",
	SYS_geteuid: "geteuid", SYS_getegid: "getegid", SYS_arch_prctl: "arch_prctl",
	SYS_gettid: "gettid", SYS_set_tid_addr: "set_tid_address", SYS_exit_group: "exit_group",
	SYS_tgkill: "tgkill",
}

// Errno values returned negated in rax.
const (
	ENOENT = 2
	EBADF  = 9
	EFAULT = 14
	EINVAL = 22
	ENOTTY = 25
	ENOSYS = 38
)

const (
	ARCH_SET_GS = 0x1001
	ARCH_SET_FS = 0x1002
	ARCH_GET_FS = 0x1003
	ARCH_GET_GS = 0x1004
)

const pid = 1000

var syscallCounter = metrics.NewRegisteredCounter("posix/syscalls", nil)

// Config wires the guest's standard streams and identity.
type Config struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Exe     string // reported by readlink("/proc/self/exe")
	Strace  bool
	Release string // uname release
}

func DefaultConfig() Config {
	return Config{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, Release: "6.1.0"}
}

// Handler emulates the Linux syscalls a static user-mode binary needs. It
// implements isa.SyscallHandler.
type Handler struct {
	cfg   Config
	files map[uint64]*file
	next  uint64
}

type file struct {
	r io.Reader
	w io.Writer
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{cfg: cfg, files: make(map[uint64]*file), next: 3}
	h.files[0] = &file{r: cfg.Stdin}
	h.files[1] = &file{w: cfg.Stdout}
	h.files[2] = &file{w: cfg.Stderr}
	return h
}

func errno(e int64) uint64 { return uint64(-e) }

// Syscall dispatches on rax and leaves the result in rax. Process exit is
// reported as *vmerrors.ProcessExit; every other failure is an errno.
func (h *Handler) Syscall(cpu *isa.CPU) error {
	nr := cpu.GPR[isa.RAX]
	a1, a2, a3 := cpu.GPR[isa.RDI], cpu.GPR[isa.RSI], cpu.GPR[isa.RDX]
	syscallCounter.Inc(1)
	log.Trace(log.PosixModule, "syscall", "nr", nr, "a1", a1, "a2", a2, "a3", a3)

	var ret uint64
	switch nr {
	case SYS_exit, SYS_exit_group:
		h.strace(nr, "%d", int32(a1))
		return &vmerrors.ProcessExit{Code: int(int32(a1))}
	case SYS_tgkill:
		return &vmerrors.ProcessExit{Code: 128 + int(a3)}
	case SYS_read:
		ret = h.read(cpu, a1, a2, a3)
	case SYS_write:
		ret = h.write(cpu, a1, a2, a3)
	case SYS_writev:
		ret = h.writev(cpu, a1, a2, a3)
	case SYS_open:
		ret = h.open(cpu, a1, a2)
	case SYS_close:
		ret = h.close(a1)
	case SYS_brk:
		ret = cpu.Mem.Brk(a1)
	case SYS_uname:
		ret = h.uname(cpu, a1)
	case SYS_readlink:
		ret = h.readlink(cpu, a1, a2, a3)
	case SYS_arch_prctl:
		ret = h.archPrctl(cpu, a1, a2)
	case SYS_ioctl:
		ret = errno(ENOTTY)
	case SYS_getpid, SYS_gettid, SYS_set_tid_addr:
		ret = pid
	case SYS_getuid, SYS_geteuid, SYS_getgid, SYS_getegid:
		ret = 0
	case SYS_rt_sigaction, SYS_rt_sigprocmask:
		ret = 0
	default:
		log.Warn(log.PosixModule, "unsupported syscall", "nr", nr, "rip", fmt.Sprintf("0x%x", cpu.RIP))
		ret = errno(ENOSYS)
	}
	h.strace(nr, "0x%x, 0x%x, 0x%x) = 0x%x", a1, a2, a3, ret)
	cpu.GPR[isa.RAX] = ret
	return nil
}

func (h *Handler) strace(nr uint64, format string, args ...interface{}) {
	if !h.cfg.Strace {
		return
	}
	name, ok := syscallNames[nr]
	if !ok {
		name = fmt.Sprintf("syscall_%d", nr)
	}
	log.Info(log.PosixModule, name+"("+fmt.Sprintf(format, args...))
}

func (h *Handler) read(cpu *isa.CPU, fd, buf, n uint64) uint64 {
	f, ok := h.files[fd]
	if !ok || f.r == nil {
		return errno(EBADF)
	}
	data := make([]byte, n)
	k, err := f.r.Read(data)
	if err != nil && err != io.EOF {
		return errno(EINVAL)
	}
	if err := cpu.Mem.WriteBytes(buf, data[:k]); err != nil {
		return errno(EFAULT)
	}
	return uint64(k)
}

func (h *Handler) write(cpu *isa.CPU, fd, buf, n uint64) uint64 {
	f, ok := h.files[fd]
	if !ok || f.w == nil {
		return errno(EBADF)
	}
	data, err := cpu.Mem.ReadBytes(buf, int(n))
	if err != nil {
		return errno(EFAULT)
	}
	k, err := f.w.Write(data)
	if err != nil {
		return errno(EINVAL)
	}
	return uint64(k)
}

func (h *Handler) writev(cpu *isa.CPU, fd, iov, cnt uint64) uint64 {
	var total uint64
	for k := uint64(0); k < cnt; k++ {
		base, err := cpu.Mem.Read64(iov + 16*k)
		if err != nil {
			return errno(EFAULT)
		}
		n, err := cpu.Mem.Read64(iov + 16*k + 8)
		if err != nil {
			return errno(EFAULT)
		}
		ret := h.write(cpu, fd, base, n)
		if int64(ret) < 0 {
			return ret
		}
		total += ret
	}
	return total
}

func (h *Handler) readString(cpu *isa.CPU, addr uint64) (string, bool) {
	var sb bytes.Buffer
	for {
		b, err := cpu.Mem.Read(addr, 1)
		if err != nil {
			return "", false
		}
		if b == 0 {
			return sb.String(), true
		}
		sb.WriteByte(byte(b))
		addr++
	}
}

// open only exposes host files for reading.
func (h *Handler) open(cpu *isa.CPU, path, flags uint64) uint64 {
	name, ok := h.readString(cpu, path)
	if !ok {
		return errno(EFAULT)
	}
	if flags&3 != 0 {
		return errno(EINVAL)
	}
	f, err := os.Open(name)
	if err != nil {
		return errno(ENOENT)
	}
	fd := h.next
	h.next++
	h.files[fd] = &file{r: f}
	return fd
}

func (h *Handler) close(fd uint64) uint64 {
	f, ok := h.files[fd]
	if !ok {
		return errno(EBADF)
	}
	if c, ok := f.r.(io.Closer); ok && fd > 2 {
		c.Close()
	}
	delete(h.files, fd)
	return 0
}

func (h *Handler) uname(cpu *isa.CPU, buf uint64) uint64 {
	const field = 65
	fields := []string{"Linux", "vmx86", h.cfg.Release, "#1", "x86_64", ""}
	out := make([]byte, field*len(fields))
	for k, s := range fields {
		copy(out[k*field:], s)
	}
	if err := cpu.Mem.WriteBytes(buf, out); err != nil {
		return errno(EFAULT)
	}
	return 0
}

func (h *Handler) readlink(cpu *isa.CPU, path, buf, n uint64) uint64 {
	name, ok := h.readString(cpu, path)
	if !ok {
		return errno(EFAULT)
	}
	if name != "/proc/self/exe" || h.cfg.Exe == "" {
		return errno(ENOENT)
	}
	target := []byte(h.cfg.Exe)
	if uint64(len(target)) > n {
		target = target[:n]
	}
	if err := cpu.Mem.WriteBytes(buf, target); err != nil {
		return errno(EFAULT)
	}
	return uint64(len(target))
}

func (h *Handler) archPrctl(cpu *isa.CPU, code, addr uint64) uint64 {
	var le [8]byte
	switch code {
	case ARCH_SET_FS:
		cpu.FSBase = addr
	case ARCH_SET_GS:
		cpu.GSBase = addr
	case ARCH_GET_FS:
		binary.LittleEndian.PutUint64(le[:], cpu.FSBase)
		if err := cpu.Mem.WriteBytes(addr, le[:]); err != nil {
			return errno(EFAULT)
		}
	case ARCH_GET_GS:
		binary.LittleEndian.PutUint64(le[:], cpu.GSBase)
		if err := cpu.Mem.WriteBytes(addr, le[:]); err != nil {
			return errno(EFAULT)
		}
	default:
		return errno(EINVAL)
	}
	return 0
}
