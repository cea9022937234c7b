package common

// Version is the service version, overridden at build time via
// -ldflags "-X github.com/opencreds/wallet-session-coordinator/common.Version=...".
var Version = "dev"
