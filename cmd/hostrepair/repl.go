package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/chzyer/readline"

	"github.com/nimbus-embed/hostrt/bindrepair"
)

// runREPL starts an interactive session for trying a repair against a
// header/bindings pair before writing anything to disk, the same
// load-then-inspect loop ogle's client gives a user against a live
// program, applied here to a static binding instead of a running process.
func runREPL(args []string) {
	rl, err := readline.New("hostrepair> ")
	if err != nil {
		exitf("can't start repl: %v\n", err)
	}
	defer rl.Close()

	var headerSrc, bindingsSrc string
	goos, goarch := runtime.GOOS, runtime.GOARCH

	fmt.Fprintln(rl.Stderr(), `hostrepair interactive session. Commands:
  load <header> <bindings>   read a header and a generated bindings file
  target <goos> <goarch>     set the platform the bindings were generated for
  fields                     list the atomic fields and globals found so far
  repair                     print the repaired bindings
  exit                       quit`)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "%v\n", err)
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			return
		case "load":
			if len(fields) != 3 {
				fmt.Fprintln(rl.Stderr(), "usage: load <header> <bindings>")
				continue
			}
			h, err := os.ReadFile(fields[1])
			if err != nil {
				fmt.Fprintf(rl.Stderr(), "%v\n", err)
				continue
			}
			b, err := os.ReadFile(fields[2])
			if err != nil {
				fmt.Fprintf(rl.Stderr(), "%v\n", err)
				continue
			}
			headerSrc, bindingsSrc = string(h), string(b)
			fmt.Fprintln(rl.Stderr(), "loaded")
		case "target":
			if len(fields) != 3 {
				fmt.Fprintln(rl.Stderr(), "usage: target <goos> <goarch>")
				continue
			}
			goos, goarch = fields[1], fields[2]
		case "fields":
			if headerSrc == "" {
				fmt.Fprintln(rl.Stderr(), "nothing loaded, run load first")
				continue
			}
			printFields(rl, headerSrc)
		case "repair":
			if headerSrc == "" || bindingsSrc == "" {
				fmt.Fprintln(rl.Stderr(), "nothing loaded, run load first")
				continue
			}
			out, err := repairBindings(headerSrc, bindingsSrc, goos, goarch)
			if err != nil {
				fmt.Fprintf(rl.Stderr(), "%v\n", err)
				continue
			}
			fmt.Fprint(rl.Stdout(), out)
		default:
			fmt.Fprintf(rl.Stderr(), "unknown command %q\n", fields[0])
		}
	}
}

func printFields(rl *readline.Instance, headerSrc string) {
	set, err := bindrepair.ParseAtomicFields(headerSrc)
	if err != nil {
		fmt.Fprintf(rl.Stderr(), "%v\n", err)
		return
	}
	for _, f := range set.Fields {
		fmt.Fprintf(rl.Stdout(), "%s.%s\t%s\tunion=%v\n", f.Struct, f.Field, f.Kind, f.InUnion)
	}
	for _, g := range set.Globals {
		fmt.Fprintf(rl.Stdout(), "%s\tglobal\n", g.Name)
	}
}
