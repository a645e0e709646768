// Package monitoring provides the bridge's diagnostic log hook.
package monitoring

import "log"

// Logf emits one diagnostic line. The default writes through log.Printf;
// embedding applications and tests swap it out with SetLogger to redirect
// or silence bridge internals.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger installs f as the package logger. A nil f discards all output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
