package utils

import (
	"unsafe"
)

// BytesToString reinterprets b as a string without copying. The caller
// must not mutate b afterwards.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
