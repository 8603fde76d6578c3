// Package budget provides the compute limits applied to each plugin runtime.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic error codes for compute budget violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
)

// PageSize is the size of one WebAssembly memory page.
const PageSize = 64 * 1024

// Limits bounds a single plugin runtime.
type Limits struct {
	MemoryLimitBytes int64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`
	CallTimeLimitMs  int64 `json:"call_time_limit_ms" yaml:"call_time_limit_ms"`
}

// Default returns conservative limits.
func Default() Limits {
	return Limits{
		MemoryLimitBytes: 64 * 1024 * 1024, // 64MB
		CallTimeLimitMs:  5000,
	}
}

// MemoryPages returns the memory limit in pages, or 0 when unlimited.
func (l Limits) MemoryPages() uint32 {
	if l.MemoryLimitBytes <= 0 {
		return 0
	}
	pages := l.MemoryLimitBytes / PageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

// CallTimeLimit returns the per-call time limit, or 0 when unlimited.
func (l Limits) CallTimeLimit() time.Duration {
	if l.CallTimeLimitMs <= 0 {
		return 0
	}
	return time.Duration(l.CallTimeLimitMs) * time.Millisecond
}

// RuntimeConfig returns a wazero runtime config enforcing l. Guest execution
// stops when the calling context is done.
func (l Limits) RuntimeConfig() wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages := l.MemoryPages(); pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	return cfg
}

// WithCallDeadline bounds ctx by the call time limit.
func (l Limits) WithCallDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := l.CallTimeLimit(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// ComputeBudgetError is a typed budget violation error.
type ComputeBudgetError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
	Err      error  `json:"-"`
}

func (e *ComputeBudgetError) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

func (e *ComputeBudgetError) Unwrap() error { return e.Err }

// CheckTime returns a budget error if time is exhausted.
func CheckTime(l Limits, elapsed time.Duration) error {
	if l.CallTimeLimitMs > 0 && elapsed.Milliseconds() > l.CallTimeLimitMs {
		return &ComputeBudgetError{
			Code:     ErrComputeTimeExhausted,
			Message:  "time limit exceeded",
			Limit:    l.CallTimeLimitMs,
			Consumed: elapsed.Milliseconds(),
		}
	}
	return nil
}

// CheckMemory returns a budget error if memory is exhausted. The limit is
// counted in whole pages, as MemoryPages rounds it.
func CheckMemory(l Limits, usedBytes int64) error {
	pages := l.MemoryPages()
	if pages == 0 {
		return nil
	}
	if limit := int64(pages) * PageSize; usedBytes > limit {
		return &ComputeBudgetError{
			Code:     ErrComputeMemoryExhausted,
			Message:  "memory limit exceeded",
			Limit:    limit,
			Consumed: usedBytes,
		}
	}
	return nil
}

// Classify maps a guest execution error to a ComputeBudgetError when it was
// caused by a limit. Other errors are returned unchanged.
func Classify(l Limits, elapsed time.Duration, err error) error {
	if err == nil {
		return nil
	}

	var exit *sys.ExitError
	deadline := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &exit) && exit.ExitCode() == sys.ExitCodeDeadlineExceeded)
	if deadline {
		return &ComputeBudgetError{
			Code:     ErrComputeTimeExhausted,
			Message:  "plugin call exceeded time limit",
			Limit:    l.CallTimeLimitMs,
			Consumed: elapsed.Milliseconds(),
			Err:      err,
		}
	}

	if isMemoryError(err) {
		return &ComputeBudgetError{
			Code:    ErrComputeMemoryExhausted,
			Message: "plugin exceeded memory limit",
			Limit:   l.MemoryLimitBytes,
			Err:     err,
		}
	}
	return err
}

// isMemoryError matches wazero's rejection of memory above the configured
// page limit. Out of bounds accesses are guest faults and do not match.
func isMemoryError(err error) bool {
	msg := err.Error()
	if strings.Contains(msg, "out of bounds") {
		return false
	}
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "exceed"))
}
