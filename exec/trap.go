package exec

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// TrapOOB is raised when memory access out of bound
	TrapOOB = NewTrap("memory access out of bound")
	// TrapIntOverflow is raised on integer overflow in a divide or truncation
	TrapIntOverflow = NewTrap("integer overflow on divide or truncation")
	// TrapDivByZero is raised when dividing by zero
	TrapDivByZero = NewTrap("integer divide by zero")
	// TrapInvalidConvert is raised when converting NaN or an out of range float to integer
	TrapInvalidConvert = NewTrap("conversion from NaN to integer")
	// TrapUnreachable is raised when an unreachable instruction executed
	TrapUnreachable = NewTrap("unreachable instruction executed")
	// TrapInvalidIndirectCall is raised by a bad call_indirect
	TrapInvalidIndirectCall = NewTrap("invalid call_indirect")
	// TrapCallStackExhaustion is raised when the call stack is exhausted
	TrapCallStackExhaustion = NewTrap("call stack exhausted")
	// TrapGasExhaustion is raised when running out of gas limit
	TrapGasExhaustion = NewTrap("run out of gas limit")
	// TrapNoMemory is raised when the guest allocator fails
	TrapNoMemory = NewTrap("no memory")
	// TrapCanceled is raised when the calling context.Context is done
	TrapCanceled = NewTrap("execution canceled")
	// TrapExit is raised when the guest asks to exit
	TrapExit = NewTrap("exit")
	// TrapHostCall is raised when a resolver reports a failure
	TrapHostCall = NewTrap("host call failed")
)

// Trap is the reason a running Context stopped
type Trap interface {
	Reason() string
}

type stringTrap struct {
	reason string
}

func (s *stringTrap) Reason() string {
	return s.reason
}

// NewTrap returns a trap with the given reason
func NewTrap(reason string) Trap {
	return &stringTrap{reason: reason}
}

// TrapSymbolNotFound is raised when resolving a symbol fails at run time
type TrapSymbolNotFound struct {
	Module string
	Name   string
}

// Reason implements Trap
func (s *TrapSymbolNotFound) Reason() string {
	return fmt.Sprintf("%s.%s can't be resolved", s.Module, s.Name)
}

// TrapFuncSignatureNotMatch is raised when a host function does not accept the call's arguments
type TrapFuncSignatureNotMatch struct {
	Module string
	Name   string
}

// Reason implements Trap
func (s *TrapFuncSignatureNotMatch) Reason() string {
	return fmt.Sprintf("%s.%s not match with host signature", s.Module, s.Name)
}

// TrapError wraps a Trap as an error. Cause is set for TrapHostCall.
type TrapError struct {
	Trap  Trap
	Cause error
}

func (t *TrapError) Error() string {
	if t.Cause != nil {
		return fmt.Sprintf("trap error:%s: %v", t.Trap.Reason(), t.Cause)
	}
	return fmt.Sprintf("trap error:%s", t.Trap.Reason())
}

// Unwrap returns the resolver error behind a TrapHostCall
func (t *TrapError) Unwrap() error {
	return t.Cause
}

// Is matches another TrapError carrying the same Trap
func (t *TrapError) Is(target error) bool {
	if o, ok := target.(*TrapError); ok {
		return o.Trap == t.Trap
	}
	return false
}

// IsTrap reports whether err is a TrapError for trap
func IsTrap(err error, trap Trap) bool {
	var te *TrapError
	if !errors.As(err, &te) {
		return false
	}
	return te.Trap == trap
}

// Throw stops the running call with trap. It must only be used from code
// running under a Call, such as a resolver's CallFunc.
func Throw(trap Trap) {
	panic(&TrapError{Trap: trap})
}

// Raise throws a trap with msg as its reason
func Raise(msg string) {
	Throw(NewTrap(msg))
}

// ThrowError throws err. A TrapError is rethrown unchanged, any other error
// becomes a TrapHostCall caused by err.
func ThrowError(err error) {
	panic(asTrapError(err))
}

func asTrapError(err error) *TrapError {
	var te *TrapError
	if errors.As(err, &te) {
		return te
	}
	return &TrapError{Trap: TrapHostCall, Cause: err}
}

// TrapHook is called with panics that are not traps before they are
// converted into a TrapError.
type TrapHook func(reason string, recovered interface{})

var trapHook atomic.Pointer[TrapHook]

// SetTrapHook replaces the process-wide hook for unexpected panics. A nil
// hook restores the default, which logs the panic.
func SetTrapHook(h TrapHook) {
	if h == nil {
		trapHook.Store(nil)
		return
	}
	trapHook.Store(&h)
}

func defaultTrapHook(reason string, recovered interface{}) {
	Logger().Error("unexpected panic during execution",
		zap.String("reason", reason),
		zap.Any("recovered", recovered),
		zap.ByteString("stack", debug.Stack()))
}

func callTrapHook(reason string, recovered interface{}) {
	if h := trapHook.Load(); h != nil {
		(*h)(reason, recovered)
		return
	}
	defaultTrapHook(reason, recovered)
}

// recoverTrap converts a recovered panic value into a TrapError.
func recoverTrap(r interface{}) *TrapError {
	switch v := r.(type) {
	case *TrapError:
		return v
	case Trap:
		return &TrapError{Trap: v}
	case error:
		var te *TrapError
		if errors.As(v, &te) {
			return te
		}
		reason := v.Error()
		callTrapHook(reason, r)
		return &TrapError{Trap: NewTrap(reason), Cause: v}
	default:
		reason := fmt.Sprint(v)
		callTrapHook(reason, r)
		return &TrapError{Trap: NewTrap(reason)}
	}
}

// CaptureTrap recovers a panic raised by Throw and stores it into *err.
// Other panics go through the trap hook and are stored as traps as well.
//
//	defer CaptureTrap(&err)
func CaptureTrap(err *error) {
	r := recover()
	if r == nil {
		return
	}
	*err = recoverTrap(r)
}
