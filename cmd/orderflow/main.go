// Command orderflow runs the purchase-order processing pipeline: a
// background worker that extracts, matches, validates and exports inbound
// orders, plus a handful of operator subcommands.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runWorkerCmd(args[1:], stdout, stderr)
	}
	switch args[1] {
	case "worker", "serve":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "tenant":
		return runTenantCmd(args[2:], stdout, stderr)
	case "connection":
		return runConnectionCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		_, _ = fmt.Fprintf(stdout, "orderflow %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "orderflow: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: orderflow <command> [args]

Commands:
  worker                        run the background processing engine (default)
  doctor                        check configuration and backend reachability
  tenant create <slug> <name>   create a tenant
  connection add <tenant-id> <config.json>
                                add an ERP dropzone connection (config sealed at rest)
  export push <tenant-id> <draft-id>
                                push an approved draft to its dropzone
  export retry <tenant-id> <export-id>
                                retry a failed export
  version                       print the version
`)
}
