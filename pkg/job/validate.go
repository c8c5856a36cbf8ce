package job

import (
	"fmt"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/orchestrator"
)

// Validate checks params against the submit constraints (spec §6):
// prompt required non-empty; n ∈ [2,8]; m ∈ [1, ⌊n/2⌋]; n mod m == 0;
// iterations ∈ [1,5]; α ∈ [0,1]; temperature ∈ [0,2]; steps, when set,
// ∈ [15,50]; guidance, when set, ∈ [1,20].
func Validate(p orchestrator.Params) error {
	if p.Prompt == "" {
		return errorkind.NewValidationError("prompt", "must not be empty")
	}
	if p.N < 2 || p.N > 8 {
		return errorkind.NewValidationError("n", "must be between 2 and 8")
	}
	if p.M < 1 || p.M > p.N/2 {
		return errorkind.NewValidationError("m", fmt.Sprintf("must be between 1 and %d", p.N/2))
	}
	if p.N%p.M != 0 {
		return errorkind.NewValidationError("m", "n must be evenly divisible by m")
	}
	if p.Iterations < 1 || p.Iterations > 5 {
		return errorkind.NewValidationError("iterations", "must be between 1 and 5")
	}
	if p.Alpha < 0 || p.Alpha > 1 {
		return errorkind.NewValidationError("alpha", "must be between 0 and 1")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return errorkind.NewValidationError("temperature", "must be between 0 and 2")
	}
	if p.Steps != 0 && (p.Steps < 15 || p.Steps > 50) {
		return errorkind.NewValidationError("steps", "must be between 15 and 50")
	}
	if p.Guidance != 0 && (p.Guidance < 1 || p.Guidance > 20) {
		return errorkind.NewValidationError("guidance", "must be between 1 and 20")
	}
	return nil
}
