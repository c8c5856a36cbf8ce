package supervisor

import (
	"errors"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

// Sentinel errors.
var (
	ErrStopLocked     = errors.New("STOP_LOCK: service has a stop lock; refusing to act")
	ErrPortOccupied   = errors.New("target port is already occupied by another process")
	ErrUnknownService = errors.New("unknown service name")
	ErrMissingCommand = errors.New("service start options missing command")
)

// StartOptions parameterizes a single service start. Command/Args launch
// the service's daemon process; the Flux* fields are only meaningful for
// the flux (image-generation) service and are validated by
// ValidateFluxEncoderPaths before the process is spawned.
type StartOptions struct {
	Command string
	Args    []string
	Env     map[string]string

	ModelPath        string // local model checkpoint; empty means hosted model
	TextEncoderPath  string // CLIP-L
	TextEncoder2Path string // T5-XXL
	VAEPath          string
}

// Status is a point-in-time snapshot of one service's state, returned by
// GetAllStatuses.
type Status struct {
	Name    config.ServiceName `json:"name"`
	Running bool               `json:"running"`
	PID     int                `json:"pid,omitempty"`
	Port    int                `json:"port"`
	Healthy bool               `json:"healthy"`
}

// StopLockInfo describes one service's stop lock, if present.
type StopLockInfo struct {
	Name      config.ServiceName `json:"name"`
	CreatedAt time.Time          `json:"createdAt"`
}
