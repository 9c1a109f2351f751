package heap

import (
	"errors"
	"fmt"
)

// Kind classifies an allocator outcome.
type Kind uint8

const (
	// DeferToHost means the model declines the request; the caller should
	// fall back to an unmodeled allocator.
	DeferToHost Kind = iota + 1
	// TooLarge means the request exceeds the configured ceiling.
	TooLarge
	// InternalPointer means the pointer lies in allocator metadata.
	InternalPointer
	// UntrackedPointer means no allocation starts at the pointer.
	UntrackedPointer
	// FreedPointer means the allocation at the pointer was already freed.
	FreedPointer
	// BadAlignment means the alignment is not a power of two.
	BadAlignment
)

var kindNames = map[Kind]string{
	DeferToHost:      "defer to host",
	TooLarge:         "too large",
	InternalPointer:  "internal pointer",
	UntrackedPointer: "untracked pointer",
	FreedPointer:     "freed pointer",
	BadAlignment:     "bad alignment",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is matching against *Error.
var (
	ErrDeferToHost      = errors.New(DeferToHost.String())
	ErrTooLarge         = errors.New(TooLarge.String())
	ErrInternalPointer  = errors.New(InternalPointer.String())
	ErrUntrackedPointer = errors.New(UntrackedPointer.String())
	ErrFreedPointer     = errors.New(FreedPointer.String())
	ErrBadAlignment     = errors.New(BadAlignment.String())
)

var sentinels = map[Kind]error{
	DeferToHost:      ErrDeferToHost,
	TooLarge:         ErrTooLarge,
	InternalPointer:  ErrInternalPointer,
	UntrackedPointer: ErrUntrackedPointer,
	FreedPointer:     ErrFreedPointer,
	BadAlignment:     ErrBadAlignment,
}

// Error is the tagged outcome of a failed allocator call.
type Error struct {
	Op    string
	Kind  Kind
	Ptr   uint64
	Size  uint64
	fatal bool
}

func recoverable(op string, kind Kind, ptr, size uint64) *Error {
	return &Error{Op: op, Kind: kind, Ptr: ptr, Size: size}
}

func misuse(op string, kind Kind, ptr, size uint64) *Error {
	return &Error{Op: op, Kind: kind, Ptr: ptr, Size: size, fatal: true}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s(ptr=0x%x, size=0x%x): %s", e.Op, e.Ptr, e.Size, e.Kind)
}

// Fatal reports whether the outcome signals misuse by the modeled program
// rather than a request the host allocator can take over.
func (e *Error) Fatal() bool { return e.fatal }

func (e *Error) Is(target error) bool { return sentinels[e.Kind] == target }

// IsFatal reports whether err carries a fatal allocator outcome.
func IsFatal(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.fatal
}

// KindOf returns the outcome kind of err, or 0.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return 0
}
