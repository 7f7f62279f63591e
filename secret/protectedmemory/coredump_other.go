//go:build !linux && !windows

package protectedmemory

import "golang.org/x/sys/unix"

// Platforms other than Linux don't offer a per-region "exclude from core
// dump" advise call through memcall, so the first allocation disables core
// dumps for the whole process instead.
func perRegionCoreDumpExclusionSupported() bool { return false }

func disableCoreDumpsFallback() {
	limit := unix.Rlimit{Cur: 0, Max: 0}
	_ = unix.Setrlimit(unix.RLIMIT_CORE, &limit)
}
