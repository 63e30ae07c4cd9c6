// Package script loads unit factories written in Starlark.
//
// A unit script defines factory(unit) and returns a dict describing the
// unit configuration:
//
//	def start():
//	    print("cache up")
//
//	def factory(unit):
//	    return {
//	        "requires": ["logger"],
//	        "provides": ["#cache"],
//	        "define.cache_size": 128,
//	        "onStart": start,
//	    }
//
// The unit argument exposes unit.name, unit.get(key, default=None) and
// unit.has(key) over the unit context.
//
// Functions in the result are bound by the top-level field they appear
// under:
//
//   - on* hooks take no arguments
//   - define entries are producers taking no arguments
//   - register and loaders entries are processors called as fn(fragment, unit_name)
//     returning None, a dict or a list of dicts, each an extra layer
//   - inject entries are sub-factories called as fn(unit)
//
// Functions anywhere else are rejected. Every call runs on its own thread,
// bounded by the script timeout and cancelled with the caller's context.
package script
