package logger

import (
	"io"
	"os"
)

// Overridden in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)
