// The hostrepair tool rewrites a machine-generated binding to the host's C
// ABI so that fields the host declares _Atomic(T) become atomic Go types
// and, on platforms whose linker needs it, extern declarations gain a link
// attribute. Run "hostrepair help" for a list of commands.
package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Println(`
Usage:

        hostrepair command [flags]

The commands are:

        help: print this message
      repair: rewrite a generated binding's atomic fields and link attributes
        repl: start an interactive session for trying a repair against sample input

Run "hostrepair repair -h" or "hostrepair repl -h" for flags on an individual command.`)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "%s: no command specified\n", os.Args[0])
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage()
	case "repair":
		runRepairCommand(os.Args[2:])
	case "repl":
		runREPL(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %s\n", os.Args[0], os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'hostrepair help' for usage.\n")
		os.Exit(2)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
