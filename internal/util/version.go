package util

// Version is the application version, overridden at build time with
// -ldflags "-X github.com/livefeed-project/livefeed/internal/util.Version=...".
var Version = "0.1.0"
