// Package catalog holds units defined in Go and composes unit sources.
//
// A Catalog is both a kernel.Resolver and a kernel.Importer:
//
//	cat := catalog.New()
//	cat.MustRegister("memstore", units.MemStore())
//	k := kernel.New(cat, cat)
//
// Chain layers several sources, for example manifest directories in front
// of the stock catalog, falling through on kernel.ErrUnknownUnit.
package catalog
