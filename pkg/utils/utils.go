package utils

import (
	"bytes"
	"fmt"
	"runtime"
)

type ErrorLogger interface {
	Error(string, ...interface{})
}

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

// RecoverAndLog must be deferred. It logs the panic value with a short stack
// trace and stores it in errp if errp is not nil.
func RecoverAndLog(log ErrorLogger, context string, errp *error) {
	value := recover()
	if value == nil {
		return
	}

	msg := RecoverValueString(value)
	trace := StackTrace(10)
	log.Error("%s: panic: %s\n%s", context, msg, trace)

	if errp != nil {
		*errp = fmt.Errorf("panic: %s", msg)
	}
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}
