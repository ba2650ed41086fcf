package bufferpool

import "unsafe"

// uintptrOf returns the address of a slice's backing array's first byte,
// used only to compute alignment padding within Acquire.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
