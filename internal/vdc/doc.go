// Package vdc holds the in-memory registry of virtual device connectors
// (vDCs) and the virtual devices (VdSDs) they contain.
//
// The Registry is the single source of truth for what exists. Containers
// and devices share one dSUID namespace, so a device can never be created
// with the dSUID of a container and vice versa. Every mutation runs under
// one write lock and is therefore linearizable; reads return deep copies.
//
// Durability is layered on top:
//
//	reg := vdc.NewRegistry()
//	p := vdc.NewPersister(reg, store, vdc.PersisterOptions{})
//	reg.SetOnChange(p.Kick)
//	p.Start()
//	defer p.Stop(ctx)
//
// Property changes are fanned out to Watchers. A Watcher that does not keep
// up loses changes rather than stalling the registry; losses are counted.
package vdc
