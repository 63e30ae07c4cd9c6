// Package stores provides the key/value storage backends behind the
// #storage units: an in-memory store and a SQLite store with WAL mode,
// connection pooling and embedded golang-migrate migrations.
package stores
