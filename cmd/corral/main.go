package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "serve", "server":
		return startServer()
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "corral %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const version = "0.1.0"

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "corral %s — agentic task runtime\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  corral <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the corral node (default)")
	fmt.Fprintln(w, "  doctor    Check data directory and journal integrity")
	fmt.Fprintln(w, "  health    Check a running node over HTTP")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}
