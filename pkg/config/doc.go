// Package config loads the host configuration used by unitctl.
//
// The configuration is a YAML file:
//
//	units: [app, sqlstore]
//	search_paths: [./units]
//	policy_paths: [./policies]
//	watch_policies: true
//	timeout: 30s
//	storage:
//	  path: ./state.db
//	host:
//	  region: eu-west
//	telemetry:
//	  logging:
//	    level: debug
//
// Relative paths are resolved against the file's directory. Any of units,
// search_paths, policy_paths, watch_policies, timeout, storage path, log
// level, log format and metrics address can be overridden with the
// matching UNITKERNEL_* environment variable, for example
// UNITKERNEL_UNITS=app,memstore.
package config
