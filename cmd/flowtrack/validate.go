package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rendis/flowtrack/internal/expressions"
	"github.com/rendis/flowtrack/internal/validation"
)

// runValidate validates one workflow document and prints the result as
// JSON. Exit code 0 means valid, 1 invalid, 2 a usage or I/O error.
func runValidate(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: flowtrack validate <file|->")
		return 2
	}

	var raw []byte
	var err error
	if args[0] == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v, err := validation.NewWorkflowValidator(cel, expressions.NewExprEngine())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, result := v.ValidateJSON(raw)
	out, _ := json.MarshalIndent(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}, "", "  ")
	fmt.Fprintln(stdout, string(out))

	if !result.Valid() {
		return 1
	}
	return 0
}
