// Package hostcomponent lets independent capabilities attach typed,
// per-store data to a sandbox.
//
// A capability implements HostComponent[D]. Register wires its host
// functions and returns a Handle[D]; Builder.Build fixes the slot order.
// Every store gets a fresh Data table from Registry.NewData, and host
// functions reach their own slot through the context:
//
//	h, _ := hostcomponent.Register(b, counter{}, l)
//	reg := b.Build()
//	data := reg.NewData()
//	n := hostcomponent.Get(data, h)
package hostcomponent
