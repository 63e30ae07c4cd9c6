// Package telemetry provides observability instrumentation for kernel hosts.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing, and bridges
// them into a kernel through Observer.
//
// # Usage
//
// Initialize telemetry at host startup and hand the observer to the kernel:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	id := uuid.NewString()
//	k := kernel.New(resolver, importer,
//	    kernel.WithID(id),
//	    kernel.WithLogger(tel.Logger.Zerolog()),
//	    kernel.WithObserver(tel.Observer(id)),
//	)
//
// # Spans
//
// Every install and every queued start, stop and teardown hook runs inside
// a "kernel.<operation>" span carrying kernel.id, kernel.operation and
// unit.name attributes. Failed operations record the error and its kind.
//
// # Metrics
//
// Available metrics (namespace "unitkernel" by default):
//
//   - operations_total{operation,status}: install and hook outcomes
//   - operation_duration_seconds{operation}: install and hook latency
//   - errors_total{kind}: failures by kernel error kind, "hook" for unit errors
//   - units_installed: installed unit count
//   - state{state}: 1 for the current kernel state
//   - admissions_total{decision}: admission policy decisions
//
// # Events
//
// Event types:
//
//   - unit.installed, unit.failed: install outcomes
//   - hook.failed: a start, stop or teardown hook failed
//   - kernel.state_changed: controller transitions
//   - admission.denied: a unit was rejected by policy
//
// Subscribers can filter by level, type or unit:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
