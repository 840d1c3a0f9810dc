/*
Package notify delivers clinic engine events to the outside world.

PURPOSE:
  The engine emits an Event after every sale, derivation and status
  change. Delivery is fire-and-forget: a slow or broken sink must never
  block a checkout or fail a status transition.

SINKS:
  Redis:  JSON on a pub/sub channel, via a buffered worker
  Log:    one zap line per event
  Fanout: sends each event to several sinks

SEE ALSO:
  - clinic/store.go: Event and Notifier
*/
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/clinic-engine/clinic"
)

// Fanout returns a Notifier that hands each event to every non-nil sink.
func Fanout(sinks ...clinic.Notifier) clinic.Notifier {
	var live []clinic.Notifier
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return clinic.NotifierFunc(func(ctx context.Context, ev clinic.Event) {
		for _, s := range live {
			s.Notify(ctx, ev)
		}
	})
}

// Log writes every event to logger at debug level.
func Log(logger *zap.Logger) clinic.Notifier {
	return clinic.NotifierFunc(func(_ context.Context, ev clinic.Event) {
		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.Time("at", ev.At),
		}
		if ev.SaleID != "" {
			fields = append(fields, zap.String("sale_id", ev.SaleID))
		}
		if ev.AppointmentID != "" {
			fields = append(fields, zap.String("appointment_id", ev.AppointmentID))
		}
		if ev.PackageID != "" {
			fields = append(fields, zap.String("package_id", ev.PackageID))
		}
		if ev.Message != "" {
			fields = append(fields, zap.String("message", ev.Message))
		}
		for k, v := range ev.Attributes {
			fields = append(fields, zap.String(k, v))
		}
		logger.Debug("clinic event", fields...)
	})
}
