package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Observer feeds kernel lifecycle notifications into spans, metrics,
// events and logs.
type Observer struct {
	kernelID string
	tel      *Telemetry
}

// Observer returns a kernel.Observer for the kernel with the given ID.
func (t *Telemetry) Observer(kernelID string) *Observer {
	return &Observer{kernelID: kernelID, tel: t}
}

// Begin implements kernel.Observer.
func (o *Observer) Begin(ctx context.Context, op kernel.Operation, unit string) (context.Context, func(error)) {
	ctx, span := o.tel.Tracer.StartOperationSpan(ctx, o.kernelID, string(op), unit)
	timer := NewTimer()

	return ctx, func(err error) {
		defer span.End()
		duration := timer.Duration()

		if err != nil {
			kind := ErrorKind(err)
			RecordError(span, err)
			span.SetAttributes(AttrErrorKind.String(kind))
			o.tel.Metrics.RecordOperation(string(op), "failed", duration)
			o.tel.Metrics.RecordError(kind)
			_ = o.tel.Events.PublishOperationFailed(o.kernelID, string(op), unit, kind, err)
			return
		}

		RecordSuccess(span)
		o.tel.Metrics.RecordOperation(string(op), "succeeded", duration)
		if op == kernel.OpInstall {
			o.tel.Metrics.IncUnitsInstalled()
			_ = o.tel.Events.PublishUnitInstalled(o.kernelID, unit, duration)
		}
	}
}

// StateChanged implements kernel.Observer.
func (o *Observer) StateChanged(from, to kernel.State) {
	o.tel.Metrics.SetState(string(from), string(to))
	_ = o.tel.Events.PublishStateChanged(o.kernelID, string(from), string(to))
}

// ErrorKind returns the kernel error kind of err, or "hook" for errors
// raised by unit code.
func ErrorKind(err error) string {
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return string(kerr.Kind)
	}
	return "hook"
}
