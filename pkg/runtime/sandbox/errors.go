package sandbox

import "fmt"

// Deterministic error codes for sandbox construction failures.
const (
	ErrUnknownCapability  = "ERR_SANDBOX_UNKNOWN_CAPABILITY"
	ErrUnenforceableMount = "ERR_SANDBOX_MOUNT_UNENFORCEABLE"
	ErrMountHostPath      = "ERR_SANDBOX_MOUNT_HOST_PATH"
	ErrMountDenied        = "ERR_SANDBOX_MOUNT_DENIED"
	ErrContextInUse       = "ERR_SANDBOX_CONTEXT_IN_USE"
	ErrContextConsumed    = "ERR_SANDBOX_CONTEXT_CONSUMED"
	ErrHostModule         = "ERR_SANDBOX_HOST_MODULE"
)

// SandboxInitError is returned when an execution context cannot be built
// exactly as declared.
type SandboxInitError struct {
	Code    string `json:"code"`
	Module  string `json:"module"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *SandboxInitError) Error() string {
	msg := fmt.Sprintf("%s: sandbox for %s: %s", e.Code, e.Module, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SandboxInitError) Unwrap() error { return e.Err }
