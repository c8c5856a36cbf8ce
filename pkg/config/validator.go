package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at the
// first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateHTTP(); err != nil {
		return err
	}
	if err := v.validateSessionHistory(); err != nil {
		return err
	}
	if err := v.validateServices(); err != nil {
		return err
	}
	if err := v.validateDefaults(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateHTTP() error {
	if v.cfg.HTTP.Port < 1 || v.cfg.HTTP.Port > 65535 {
		return NewValidationError("http.port", v.cfg.HTTP.Port, fmt.Errorf("must be in [1,65535]"))
	}
	return nil
}

func (v *Validator) validateSessionHistory() error {
	if v.cfg.SessionHistory.Dir == "" {
		return NewValidationError("session_history.dir", v.cfg.SessionHistory.Dir, fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateServices() error {
	seenPorts := map[int]ServiceName{}
	for _, name := range AllServiceNames() {
		svc, ok := v.cfg.Services[name]
		if !ok {
			continue
		}
		if svc.Port < 1 || svc.Port > 65535 {
			return NewValidationError(fmt.Sprintf("services.%s.port", name), svc.Port, fmt.Errorf("must be in [1,65535]"))
		}
		if other, dup := seenPorts[svc.Port]; dup {
			return NewValidationError(fmt.Sprintf("services.%s.port", name), svc.Port,
				fmt.Errorf("port already used by service %q", other))
		}
		seenPorts[svc.Port] = name
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d.BeamWidth < 2 || d.BeamWidth > 8 {
		return NewValidationError("defaults.beam_width", d.BeamWidth, fmt.Errorf("must be in [2,8]"))
	}
	if d.KeepTop < 1 || d.KeepTop > d.BeamWidth/2 {
		return NewValidationError("defaults.keep_top", d.KeepTop, fmt.Errorf("must be in [1, beam_width/2]"))
	}
	if d.BeamWidth%d.KeepTop != 0 {
		return NewValidationError("defaults.keep_top", d.KeepTop, fmt.Errorf("beam_width must be divisible by keep_top"))
	}
	if d.Iterations < 1 || d.Iterations > 5 {
		return NewValidationError("defaults.iterations", d.Iterations, fmt.Errorf("must be in [1,5]"))
	}
	if d.Alpha < 0 || d.Alpha > 1 {
		return NewValidationError("defaults.alpha", d.Alpha, fmt.Errorf("must be in [0,1]"))
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return NewValidationError("defaults.temperature", d.Temperature, fmt.Errorf("must be in [0,2]"))
	}
	return nil
}
