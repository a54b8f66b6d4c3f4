//go:build linux

package threading

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// nameOSThread labels the calling OS thread so it shows up in top/perf.
// The kernel truncates names to 15 bytes.
func nameOSThread(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	b := append([]byte(name), 0)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
