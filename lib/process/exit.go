// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that carry their own exit code.
type ExitCoder interface {
	ExitCode() int
}

// ExitCode returns the code main should exit with for err: 0 for nil,
// the error's own code when it has one, else 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// Report writes "name: error: err" to w.
func Report(w io.Writer, name string, err error) {
	fmt.Fprintf(w, "%s: error: %v\n", name, err)
}

// Fatal reports err on stderr and exits with its exit code. Use it in
// main() for the error returned by run().
func Fatal(name string, err error) {
	Report(os.Stderr, name, err)
	os.Exit(ExitCode(err))
}
