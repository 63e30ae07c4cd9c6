// Package wasm loads unit factories compiled to WebAssembly and runs them
// with wazero.
//
// A unit module exports its linear memory and three functions:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	factory(ptr i32, len i32) i64
//
// factory receives a JSON request, written into memory obtained from
// malloc:
//
//	{"unit": "app", "config": {...}, "context": {"region": "eu-west"}}
//
// context holds the JSON-encodable values published when the factory runs.
// factory returns (ptr << 32) | len of a JSON object in its memory, which
// becomes the unit's configuration record with key order preserved. The
// host frees both buffers. {"error": "..."} fails the install.
//
// Modules may import WASI; reactor modules are initialised through their
// _initialize export. Every call runs in a fresh instance bounded by the
// configured timeout and memory limit.
package wasm
