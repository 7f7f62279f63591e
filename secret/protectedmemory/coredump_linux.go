//go:build linux

package protectedmemory

// On Linux, awnumar/memcall.Lock applies MADV_DONTDUMP to each locked
// region individually, so no process-wide fallback is needed.
func perRegionCoreDumpExclusionSupported() bool { return true }

func disableCoreDumpsFallback() {}
