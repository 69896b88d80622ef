package fmtt

import (
	"errors"
	"fmt"
)

// PrintErrChain walks an error chain and prints each layer with its type.
// Diagnostic helper for CLI debug output.
func PrintErrChain(err error) {
	if err == nil {
		fmt.Println("<nil>")
		return
	}

	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Printf("[%d] %T: %v\n", i, e, e)
		i++
	}
}
