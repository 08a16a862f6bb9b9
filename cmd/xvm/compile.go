package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
)

func (a *app) compileCommand() *cobra.Command {
	var (
		output string
		limits = *compile.DefaultLimits()
	)
	cmd := &cobra.Command{
		Use:     "compile <in.wasm|in.wat>",
		Short:   "Meter a WebAssembly module and write it as an xvm artifact.",
		Example: "xvm compile counter.wasm -o counter.xvm",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			if output == "" {
				output = strings.TrimSuffix(in, filepath.Ext(in)) + ".xvm"
			}
			bin, ok, err := readModule(in)
			if err != nil {
				return err
			}
			if !ok {
				return errors.InvalidInput(errors.PhaseCompile, "expected a .wasm or .wat input: "+in)
			}
			artifact, err := compile.Compile(bin, &compile.Config{Limits: &limits})
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, artifact, 0o644); err != nil {
				return errors.Wrap(errors.PhaseCompile, errors.KindIO, err, "write "+output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", output, len(artifact))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "artifact path (default: input with .xvm extension)")
	f.Uint32Var(&limits.MaxContractSize, "max-size", limits.MaxContractSize, "maximum module size in bytes")
	f.Uint32Var(&limits.MaxMemoryPages, "max-memory-pages", limits.MaxMemoryPages, "maximum memory size in pages")
	return cmd
}
