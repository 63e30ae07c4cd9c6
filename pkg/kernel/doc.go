// Package kernel provides the unit-loading microkernel.
//
// # Overview
//
// A Kernel installs named units and drives them through a shared lifecycle.
// Units are loaded through two host-supplied collaborators:
//
//   - Resolver: maps a unit name to an opaque locator
//   - Importer: loads the Artifact (Info plus optional Factory) behind a locator
//
// A unit's Factory receives a UnitContext and returns a Record, its
// configuration. Reserved fields of that record describe how the unit plugs
// into the kernel:
//
//   - requires: unit names and #tags that must be installed first
//   - provides / implements: #tags the unit owns (first-come, never changes)
//   - define: values published into the shared, append-only context
//   - register / loaders: processors for named pipelines
//   - onBeforeLoad, onPrepare, onReady: hooks run during install
//   - onStart, onStop, onTeardown (alias onShutdown): hooks queued for the lifecycle
//
// Every other top-level field is a fragment. For each known pipeline name
// the kernel hands the unit's fragment of that name to every processor
// registered for it. A processor may return records that become further
// configuration layers of the same unit. The built-in "inject" pipeline
// runs a record of sub-factories and turns each result into a layer.
//
// Top-level keys containing dots are expanded before decoding, so
// "define.ttl" is the same as {define: {ttl: ...}}.
//
// # Lifecycle
//
//	idle -> installing -> idle                                  (Install)
//	idle -> starting -> started                                 (Start)
//	started -> stopping -> teardown -> stopped                  (Stop)
//
// Public entry points are rejected, never queued, when called in the wrong
// state. Stop runs stop hooks in install order and teardown hooks in
// reverse install order.
//
// # Errors
//
// Kernel failures are *Error values classified by ErrorKind. Errors
// returned by hooks, producers, factories and processors propagate
// unchanged. Use the predicates to inspect them:
//
//	if kernel.IsDuplicateKey(err) {
//	    // a context key, tag or pipeline registration collided
//	}
//
// # Preflight
//
// Analyze walks the same dependency graph using only Info metadata and
// collects every problem instead of stopping at the first one.
package kernel
