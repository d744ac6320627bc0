package version

// Version is filled at build time with `-ldflags "-X .../pkg/version.Version=v..."`.
var Version = "v0.0.0-unknown"
