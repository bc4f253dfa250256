// Package provisioner is the capacity boundary: it forwards launch requests
// to whatever actually spawns worker instances. The core never talks to the
// cluster directly.
package provisioner

import (
	"context"

	"botherd/internal/config"
	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

// Provisioner asks the external capacity layer to launch one worker for one
// bot. An error means the request did not reach the capacity layer; the
// caller is expected to revert the submission and retry on a later cycle.
type Provisioner interface {
	Request(ctx context.Context, req model.CapacityRequest, b model.Bot) error
}

// New builds the provisioner for the configured mode.
func New(s config.ProvisionerSettings, log logx.Logger) Provisioner {
	switch s.Mode {
	case "http":
		return newHTTP(s, log)
	default:
		return Nop{}
	}
}

// Nop accepts every request without calling out. Used for dry runs and tests.
type Nop struct{}

func (Nop) Request(context.Context, model.CapacityRequest, model.Bot) error { return nil }
