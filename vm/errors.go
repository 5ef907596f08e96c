package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/umbra/classfile"
)

var (
	ErrClassNotFound  = errors.New("vm: class not found")
	ErrNoSuchMethod   = errors.New("vm: no such method")
	ErrNoSuchField    = errors.New("vm: no such field")
	ErrNullReceiver   = errors.New("vm: nil receiver")
	ErrTypeMismatch   = errors.New("vm: type mismatch")
	ErrDivideByZero   = errors.New("vm: divide by zero")
	ErrStackOverflow  = errors.New("vm: call depth exceeded")
	ErrAbstractMethod = errors.New("vm: abstract method")
	ErrCallsInFlight  = errors.New("vm: calls in flight")
	ErrFrozen         = errors.New("vm: universe is frozen")
	ErrClassInit      = errors.New("vm: class initialization failed")
)

// TraceFrame is one entry of a VM stack trace, innermost first.
type TraceFrame struct {
	Class  string
	Method string
	PC     int
}

func (f TraceFrame) String() string {
	return fmt.Sprintf("%s.%s@%d", f.Class, f.Method, f.PC)
}

// Error is raised by bytecode (THROW) or by a failing operation inside the
// interpreter. Its trace names the original methods: alias frames are
// renamed and the shim frame in front of an alias is dropped.
type Error struct {
	// Thrown is the value passed to THROW, nil for internal failures.
	Thrown Value
	Err    error
	Trace  []TraceFrame
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Err != nil {
		sb.WriteString(e.Err.Error())
	} else {
		sb.WriteString("thrown: ")
		sb.WriteString(Format(e.Thrown))
	}
	for _, f := range e.Trace {
		sb.WriteString("\n\tat ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ThrownValue extracts the value raised by THROW from err.
func ThrownValue(err error) (Value, bool) {
	var ve *Error
	if errors.As(err, &ve) && ve.Err == nil {
		return ve.Thrown, true
	}
	return nil, false
}

// buildTrace renders frames innermost first.
func buildTrace(frames []*Frame) []TraceFrame {
	out := make([]TraceFrame, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		def := f.Method.def
		if def.Flags.Has(classfile.MethodShim) && i+1 < len(frames) {
			callee := frames[i+1].Method
			if callee.class == f.Method.class && classfile.OriginalName(callee.def.Name) == def.Name {
				continue
			}
		}
		out = append(out, TraceFrame{
			Class:  f.Method.class.Name,
			Method: classfile.OriginalName(def.Name),
			PC:     f.PC,
		})
	}
	return out
}
