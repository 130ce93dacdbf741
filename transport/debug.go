package transport

import "fmt"

// debugEnabled gates verbose wire-level tracing compiled into debug
// builds. The production build keeps this false and the calls compile
// away to nothing but the formatting arguments; a local build tag file
// (not checked in) can flip it for bisecting interop failures.
var debugEnabled = false

func debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	fmt.Printf(format+"\n", args...)
}

// sprint is a thin wrapper over fmt.Sprint used in error messages so call
// sites read as a single expression instead of string concatenation.
func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
