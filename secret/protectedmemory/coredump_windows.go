//go:build windows

package protectedmemory

// Windows has no RLIMIT_CORE equivalent reachable from memcall; core dumps
// there are governed by Windows Error Reporting policy, outside this
// package's control.
func perRegionCoreDumpExclusionSupported() bool { return true }

func disableCoreDumpsFallback() {}
