// Package util has the small logging and assertion helpers the commands
// and device handlers share.
package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
)

var Format = fmt.Sprintf

var Logf = log.Printf

func Panicf(format string, args ...any) {
	log.Panicf("PANIC: "+format, args...)
}

type Ordered interface {
	~byte | ~int | ~uint | ~uint16 | ~int64 | ~uint64 | ~rune | ~string
}

func assertFails[T Ordered](what string, a, b T) {
	log.Printf("%s fails: %v vs %v", what, a, b)
	log.Printf("vvvvvvvvvvvvvvvvvvvvvvv")
	debug.PrintStack()
	log.Printf("^^^^^^^^^^^^^^^^^^^^^^^")
	log.Panicf("...%s fails: %v vs %v", what, a, b)
}

func AssertEQ[T Ordered](a, b T) {
	if a != b {
		assertFails("AssertEQ", a, b)
	}
}

func AssertLT[T Ordered](a, b T) {
	if a >= b {
		assertFails("AssertLT", a, b)
	}
}

func AssertGE[T Ordered](a, b T) {
	if a < b {
		assertFails("AssertGE", a, b)
	}
}

func AssertGT[T Ordered](a, b T) {
	if a <= b {
		assertFails("AssertGT", a, b)
	}
}

// LimitedLogWriter passes log output through until Limit bytes have been
// written, then calls Exit.
type LimitedLogWriter struct {
	Limit uint64
	Out   io.Writer
	Exit  func(code int)

	mu      sync.Mutex
	current uint64
}

func InstallLimitedLogWriter(limit uint64) *LimitedLogWriter {
	llw := &LimitedLogWriter{
		Limit: limit,
		Out:   os.Stderr,
		Exit:  os.Exit,
	}
	log.SetOutput(llw)
	return llw
}

func (llw *LimitedLogWriter) Write(bb []byte) (int, error) {
	llw.mu.Lock()
	llw.current += uint64(len(bb))
	over := llw.current > llw.Limit
	llw.mu.Unlock()
	if over {
		fmt.Fprintf(llw.Out, "\n***\nFatal: LimitedLogWriter exceeded its limit of %d bytes\n", llw.Limit)
		llw.Exit(13)
		return 0, io.ErrShortWrite
	}
	return llw.Out.Write(bb)
}
