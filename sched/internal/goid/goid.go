// Package goid resolves the id of the calling goroutine.
//
// The scheduler uses goroutine identity to tell whether a kernel entry point
// is being executed by the thread that currently owns the simulated CPU, or
// by an outside goroutine such as the timer driver. The id is parsed from the
// first line of the goroutine's stack trace; there is no faster portable way
// to obtain it without linking against runtime internals.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Get returns the id of the calling goroutine.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	if !bytes.HasPrefix(b, prefix) {
		panic(`goid: unexpected stack header`)
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic(`goid: unparseable goroutine id`)
	}
	return id
}
