// Package rpc bridges authenticated companion sockets to host operations.
//
// # Registration
//
// Collaborators register operations before the transport starts:
//
//	bridge.Register("echo", func(ctx context.Context, args []json.RawMessage) (any, error) {
//	    return args[0], nil
//	})
//	bridge.RegisterOneWay("system:log", func(ctx context.Context, args []json.RawMessage) { ... })
//
// Registration of a channel on the deny-list (window controls, native
// pickers, local shell/editor launches) fails with ErrDeniedChannel, so new
// host operations are remote-callable by default and only the small unsafe
// set has to be enumerated.
//
// # Frames
//
// After authentication every inbound frame shaped as
//
//	{"type":"ipc","id":"1","channel":"echo","args":["hi"]}
//
// is answered with exactly one
//
//	{"type":"ipc-response","id":"1","result":"hi"}
//
// or {"type":"ipc-response","id":"1","error":"..."}. One-way channels get an
// empty success reply, unknown channels "No handler registered for channel: X".
// Requests run concurrently and may complete out of order.
//
// # Events
//
// ForwardEvent(channel, payload) pushes {"type":"event",...} to every
// attached socket and prunes sockets found closed. It never fails.
package rpc
