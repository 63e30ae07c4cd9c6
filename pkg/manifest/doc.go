// Package manifest loads units described by unit.yaml files.
//
// A manifest names the unit, declares its metadata and either carries a
// static configuration or points at an entrypoint, a Starlark script
// (.star, see package script) or a WebAssembly module (.wasm, see package
// wasm):
//
//	name: cache
//	description: In-memory cache
//	version: 1.2.0
//	requires: [logger]
//	provides: ["#cache"]
//	config:
//	  define:
//	    cache_size: 128
//
// Manifests are checked against the #Manifest CUE schema, which is closed:
// unknown fields are rejected. The config block keeps its YAML key order.
//
// Source scans search paths for manifests and serves them to the kernel.
package manifest
