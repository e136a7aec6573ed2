package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nimbus-embed/hostrt/bindrepair"
)

func newRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair <header> <bindings>",
		Short: "rewrite a generated binding's atomic fields and link attributes",
		Args:  cobra.ExactArgs(2),
		Run:   runRepair,
	}
	cmd.Flags().String("goos", runtime.GOOS, "target GOOS the bindings were generated for")
	cmd.Flags().String("goarch", runtime.GOARCH, "target GOARCH the bindings were generated for")
	cmd.Flags().String("out", "", "write the repaired bindings here instead of stdout")
	return cmd
}

func runRepairCommand(args []string) {
	cmd := newRepairCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		exitf("%v\n", err)
	}
}

func runRepair(cmd *cobra.Command, args []string) {
	goos, err := cmd.Flags().GetString("goos")
	if err != nil {
		exitf("%v\n", err)
	}
	goarch, err := cmd.Flags().GetString("goarch")
	if err != nil {
		exitf("%v\n", err)
	}
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		exitf("%v\n", err)
	}

	headerSrc, err := os.ReadFile(args[0])
	if err != nil {
		exitf("can't read header: %v\n", err)
	}
	bindingsSrc, err := os.ReadFile(args[1])
	if err != nil {
		exitf("can't read bindings: %v\n", err)
	}

	repaired, err := repairBindings(string(headerSrc), string(bindingsSrc), goos, goarch)
	if err != nil {
		exitf("%v\n", err)
	}

	if out == "" {
		fmt.Print(repaired)
		return
	}
	if err := os.WriteFile(out, []byte(repaired), 0o644); err != nil {
		exitf("can't write %s: %v\n", out, err)
	}
	fmt.Fprintf(os.Stderr, "wrote repaired bindings to %s\n", out)
}

// repairBindings parses headerSrc for atomic fields and globals, then
// applies RepairForPlatform so the (goos, goarch) target's link attribute
// needs are honored.
func repairBindings(headerSrc, bindingsSrc, goos, goarch string) (string, error) {
	fields, err := bindrepair.ParseAtomicFields(headerSrc)
	if err != nil {
		return "", err
	}
	return bindrepair.RepairForPlatform(headerSrc, bindingsSrc, fields, goos, goarch)
}
