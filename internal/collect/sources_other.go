//go:build !linux

package collect

// PlatformSources returns the capture sources available on this host.
// Capture backends for this platform are not wired in yet; collectors
// without a source simply do not run.
func PlatformSources() Sources {
	return Sources{}
}
