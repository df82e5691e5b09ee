package kfmt

import "turbofish/kernel"

var (
	// haltFn is invoked once the panic message has been logged. Tests
	// replace it to observe calls to Panic without unwinding.
	haltFn = func(err *kernel.Error) { panic(err) }

	errUnknownPanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error (if not nil) and halts. Calls to Panic never
// return unless the halt hook has been replaced. Panic accepts a
// *kernel.Error, a plain error or a string; anything else is reported with
// an unknown cause.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	if err != nil {
		Logger(err.Module).Errorf("unrecoverable error: %s", err.Message)
	} else {
		err = errUnknownPanic
	}
	logger.Error("*** kernel panic: system halted ***")

	haltFn(err)
}
