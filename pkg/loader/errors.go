package loader

import "fmt"

// Pipeline stages, in execution order.
const (
	StageEvaluate    = "evaluate"
	StageAdmit       = "admit"
	StageResolve     = "resolve"
	StageSandbox     = "sandbox"
	StageVerify      = "verify"
	StageInstantiate = "instantiate"
	StageConfigure   = "configure"
)

// LoadError attributes a pipeline failure to a module and stage. Module is
// the module name once known, otherwise the declaration directory.
type LoadError struct {
	Module string
	Stage  string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
