//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// Strings returned to the host must be released with FreeString.
// Functions returning *C.char return NULL on failure and int32 ones
// return -1; GetLastError describes the failure.

func cString(s string, err error) *C.char {
	core.setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func cStatus(err error) int32 {
	core.setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Init
// Init opens the core. request is the init JSON; it may be empty.
func Init(request *C.char) int32 {
	return cStatus(core.init(C.GoString(request)))
}

//export Cleanup
func Cleanup() int32 {
	return cStatus(core.cleanup())
}

//export GetLastError
// GetLastError returns {"code","error"} for the last failed call, or "".
func GetLastError() *C.char {
	return C.CString(core.lastError())
}

//export Enqueue
func Enqueue(kind, payload *C.char) *C.char {
	return cString(core.enqueue(C.GoString(kind), C.GoString(payload)))
}

//export SyncNow
func SyncNow() *C.char {
	return cString(core.syncNow())
}

//export Status
func Status() *C.char {
	return cString(core.status())
}

//export ListItems
func ListItems(includeDeleted int32) *C.char {
	return cString(core.items(includeDeleted != 0))
}

//export ListConflicts
func ListConflicts(includeResolved int32) *C.char {
	return cString(core.conflicts(includeResolved != 0))
}

//export ResolveConflict
func ResolveConflict(id *C.char) int32 {
	return cStatus(core.resolve(C.GoString(id)))
}

//export NotifyNetwork
// NotifyNetwork forwards a platform connectivity change.
func NotifyNetwork(online int32) int32 {
	return cStatus(core.notifyNetwork(online != 0))
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
