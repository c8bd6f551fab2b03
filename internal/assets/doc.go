// Package assets serves the companion UI and help pages.
//
// The UI bundle lives in dist/ and is embedded at build time. UIHandler
// serves it as a single-page app: real files are served with content-hash
// aware cache headers, and extensionless paths that do not exist fall back to
// index.html so client-side routes survive a reload. Setting ui.dir serves
// the same layout from disk instead.
//
// HelpHandler renders the markdown topics in help/ with goldmark once at
// startup and serves them through an html/template shell at /help.
package assets
