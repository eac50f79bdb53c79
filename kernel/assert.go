package kernel

import "fmt"

// PanicError wraps the error that brought the machine down so that it can be
// recovered by the test harness driving the simulated CPU.
type PanicError struct {
	Err *Error
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("[%s] unrecoverable error: %s", p.Err.Module, p.Err.Message)
}

// Panic halts the machine with a readable message. Invariant violations
// inside the memory manager are unrecoverable by design; Panic never
// returns.
func Panic(module, message string) {
	panic(&PanicError{Err: &Error{Module: module, Message: message}})
}

// Assert panics with the supplied module/message if the condition does not
// hold. It guards invariants whose violation indicates kernel corruption
// rather than a user-space error.
func Assert(cond bool, module, message string) {
	if !cond {
		Panic(module, message)
	}
}
