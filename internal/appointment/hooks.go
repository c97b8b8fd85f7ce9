package appointment

import "context"

// Change describes a committed lifecycle transition handed to every hook.
type Change struct {
	Event       string
	Appointment Appointment
	Previous    *Appointment
	// Origin is the realtime connection that caused the change, if any.
	Origin string
}

// Hook is a side effect fired after a successful transition: automation,
// realtime fan-out, audit. Errors are logged by the coordinator and never
// reach the caller that made the booking.
type Hook interface {
	Name() string
	AppointmentChanged(ctx context.Context, c Change) error
}

// HookFunc adapts a plain function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, c Change) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) AppointmentChanged(ctx context.Context, c Change) error {
	return h.Fn(ctx, c)
}

type originKey struct{}

// WithOrigin tags ctx with the connection id of the caller so broadcasts of
// the resulting change can skip it.
func WithOrigin(ctx context.Context, connectionID string) context.Context {
	if connectionID == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, connectionID)
}

func OriginFrom(ctx context.Context) string {
	v, _ := ctx.Value(originKey{}).(string)
	return v
}

// Recorder receives booking metrics. internal/metrics provides the
// prometheus implementation.
type Recorder interface {
	ObserveBooking(op, outcome string, seconds float64)
	ObserveSideEffect(hook, status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBooking(string, string, float64) {}
func (nopRecorder) ObserveSideEffect(string, string)       {}
