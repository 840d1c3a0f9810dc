package clinic

import (
	"time"

	"go.uber.org/zap"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	PortTimeout    time.Duration
	ExpiringWithin time.Duration
	Clock          Clock
	Logger         *zap.Logger
}

// Engine wires the three components over one set of ports. Every port
// call made by the engine carries the PortTimeout deadline.
type Engine struct {
	Ledger  *SaleLedger
	Deriver *AppointmentDeriver
	Tracker *PackageProgressTracker
	Ports   Ports
}

func NewEngine(ports Ports, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if ports.Notifier == nil {
		ports.Notifier = nopNotifier{}
	}
	wrapped := WithTimeout(ports, opts.PortTimeout)

	tracker := NewPackageProgressTracker(
		wrapped.Packages, wrapped.Appointments, wrapped.Notifier,
		opts.Clock, opts.Logger.Named("progress"), opts.ExpiringWithin,
	)
	deriver := NewAppointmentDeriver(
		wrapped.Appointments, tracker, wrapped.Notifier,
		opts.Clock, opts.Logger.Named("deriver"),
	)
	ledger := NewSaleLedger(
		wrapped.Sales, wrapped.Packages, deriver, wrapped.Notifier,
		opts.Clock, opts.Logger.Named("ledger"),
	)
	return &Engine{
		Ledger:  ledger,
		Deriver: deriver,
		Tracker: tracker,
		Ports:   wrapped,
	}
}
