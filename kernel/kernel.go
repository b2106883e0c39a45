// Package kernel provides the error type, structured logger and simulated
// physical memory shared by every subsystem in this module: the frame
// allocator, the page-table/VMPool layer, the schedulers, the disk client
// and the file system.
package kernel

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Error is the module's error type. It mirrors the teacher kernel's
// &kernel.Error{Module: ..., Message: ...} literal pattern so that every
// subsystem reports failures the same way.
type Error struct {
	Module  string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Module, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Module, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to any wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// NewError builds a recoverable Error, capturing a stack trace via
// github.com/pkg/errors so the log line that reports it carries a frame
// trail back to the call site.
func NewError(module, message string) *Error {
	return &Error{Module: module, Message: message, cause: errors.New(message)}
}

// Wrap attaches module/message context to a lower-level cause.
func Wrap(cause error, module, message string) *Error {
	return &Error{Module: module, Message: message, cause: errors.WithStack(cause)}
}

// Log is the kernel-wide structured logger. Subsystems use it in place of
// the teacher kernel's console Printf calls. Tests may swap it out for an
// observer-backed logger via SetLogger.
var Log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	Log = l.Sugar()
}

// SetLogger installs a replacement logger, for tests that want to assert
// on emitted log lines.
func SetLogger(l *zap.Logger) { Log = l.Sugar() }

// PageSize is the size in bytes of a physical frame / virtual page on the
// 32-bit x86 target this module models.
const PageSize = 4096

// Memory simulates the machine's physical RAM. The frame pool's bitmap and
// the page directory and page tables are read and written through it
// instead of dereferencing raw physical addresses, since this module runs
// hosted rather than freestanding. VMPool metadata and the disk image are
// kept in ordinary Go slices outside it.
type Memory struct {
	bytes []byte
}

// NewMemory allocates a simulated RAM of the given size in bytes, which
// must be a multiple of PageSize.
func NewMemory(size uintptr) *Memory {
	return &Memory{bytes: make([]byte, size)}
}

// FrameCount returns the number of PageSize frames backing this memory.
func (m *Memory) FrameCount() uint32 { return uint32(len(m.bytes) / PageSize) }

// FrameBytes returns the byte slice backing the given frame number. It
// panics if frameNo is out of range, mirroring the teacher's treatment of
// out-of-range physical addresses as a fatal condition.
func (m *Memory) FrameBytes(frameNo uint32) []byte {
	off := uintptr(frameNo) * PageSize
	if off+PageSize > uintptr(len(m.bytes)) {
		panic(fmt.Sprintf("kernel: frame %d out of range of simulated memory", frameNo))
	}
	return m.bytes[off : off+PageSize]
}

// Range returns a contiguous byte slice spanning frameCount frames
// starting at frameNo. It panics if the range falls outside the
// simulated memory, mirroring the teacher's treatment of invalid
// physical addresses as fatal.
func (m *Memory) Range(frameNo uint32, frameCount uint32) []byte {
	off := uintptr(frameNo) * PageSize
	size := uintptr(frameCount) * PageSize
	if off+size > uintptr(len(m.bytes)) {
		panic(fmt.Sprintf("kernel: frame range [%d,%d) out of range of simulated memory", frameNo, frameNo+frameCount))
	}
	return m.bytes[off : off+size]
}

// Zero clears the given frame's contents, replacing the teacher's
// unsafe-pointer kernel.Memset helper now that frames are real slices.
func (m *Memory) Zero(frameNo uint32) {
	b := m.FrameBytes(frameNo)
	for i := range b {
		b[i] = 0
	}
}

// Memcopy copies PageSize bytes from frame src to frame dst, replacing
// the teacher's unsafe-pointer kernel.Memcopy helper.
func (m *Memory) Memcopy(dst, src uint32) {
	copy(m.FrameBytes(dst), m.FrameBytes(src))
}
