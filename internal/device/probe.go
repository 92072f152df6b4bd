package device

import (
	"context"
	"runtime"

	"github.com/distatus/battery"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Prober reports host hardware facts used to resolve capabilities.
type Prober interface {
	CPUCores(ctx context.Context) int
	HasBattery(ctx context.Context) bool
}

// HostProber inspects the machine the gateway runs on. Probe failures
// degrade to conservative defaults instead of failing session setup.
type HostProber struct {
	logger zerolog.Logger
}

// NewHostProber creates a prober that logs probe degradations.
func NewHostProber(logger zerolog.Logger) *HostProber {
	return &HostProber{
		logger: logger.With().Str("component", "device_probe").Logger(),
	}
}

// CPUCores returns the number of physical cores, falling back to the
// runtime's logical CPU count when the probe fails.
func (p *HostProber) CPUCores(ctx context.Context) int {
	cores, err := cpu.CountsWithContext(ctx, false)
	if err != nil || cores < 1 {
		p.logger.Warn().
			Err(err).
			Int("fallback_cores", runtime.NumCPU()).
			Msg("Physical core probe failed, using logical CPU count")
		return runtime.NumCPU()
	}
	return cores
}

// HasBattery reports whether the host exposes at least one battery.
// Hosts without one never enter low power mode.
func (p *HostProber) HasBattery(_ context.Context) bool {
	batteries, err := battery.GetAll()
	if err != nil {
		p.logger.Warn().
			Err(err).
			Msg("Battery probe failed, assuming AC power")
		return false
	}
	return len(batteries) > 0
}

// StaticProber returns fixed facts. Used in tests and for deployments that
// pin the profile through configuration.
type StaticProber struct {
	Cores   int
	Battery bool
}

func (p StaticProber) CPUCores(_ context.Context) int { return p.Cores }

func (p StaticProber) HasBattery(_ context.Context) bool { return p.Battery }
