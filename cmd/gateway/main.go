// Command gateway runs the zero-trust tool gateway: agents exchange
// scoped tokens for mediated access to upstream tools, operators manage
// credentials and policy over the admin surface.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// version gates policy bundles via min_gateway_version.
const version = "1.0.0"

const (
	exitOK      = 0
	exitUsage   = 1
	exitConfig  = 2
	exitRuntime = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Running with no arguments serves.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "gateway %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "Gateway %s\n", version)
	_, _ = fmt.Fprintln(w, "Scoped tokens in, governed tool calls out.")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  gateway <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the gateway server (default)")
	printCommand(w, "keygen", "Print fresh KEK and token-signing secrets")
	printCommand(w, "doctor", "Validate environment and storage reachability")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment; see doctor for checks.")
	_, _ = fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
