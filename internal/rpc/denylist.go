// ABOUTME: Host-local operations that are never exposed to remote clients
// ABOUTME: Window controls, native pickers, and local shell/editor launches

package rpc

// DefaultDenyList names host-local operations that are unsafe or meaningless
// over the wire. Registrations for these channels are rejected.
var DefaultDenyList = []string{
	// window controls
	"window:minimize",
	"window:maximize",
	"window:unmaximize",
	"window:close",
	"window:is-maximized",
	"window:set-fullscreen",
	"window:toggle-devtools",
	// native pickers
	"dialog:open-folder",
	"dialog:open-file",
	"dialog:save-file",
	"dialog:message-box",
	// local shell and editor launches
	"shell:open-external",
	"shell:open-path",
	"shell:show-item-in-folder",
	"editor:open-in-editor",
	"terminal:open-external",
	// local-only companion administration
	"companion:generate-pin",
	"companion:generate-qr",
	"companion:regenerate-certificate",
	"companion:set-tunnel",
}
