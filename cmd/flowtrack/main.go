package main

import (
	"fmt"
	"os"
)

const usage = `usage: flowtrack <command> [flags]

commands:
  serve                 run the MCP server on stdio (default)
  validate <file|->     validate a workflow definition document
  install [flags]       write ~/.flowtrack/settings.json and reload a running server
  version               print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		os.Exit(runValidate(args, os.Stdin, os.Stdout, os.Stderr))
	case "install":
		runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
