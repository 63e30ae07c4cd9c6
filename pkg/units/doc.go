// Package units provides the stock units a host registers alongside its
// own: host values, a shared logger, a Prometheus registry with a
// collectors pipeline, and two implementations of the #storage tag.
//
//	c := catalog.New()
//	if err := units.Register(c, units.Config{Logger: logger}); err != nil {
//	    return err
//	}
//	k := kernel.New(c, c)
//	err := k.Start(ctx, "app", "sqlstore")
package units
