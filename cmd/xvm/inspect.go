package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
)

func (a *app) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "inspect <artifact|in.wasm|in.wat>",
		Short:   "Show the imports, exports and metadata of an artifact.",
		Example: "xvm inspect counter.xvm",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			info, err := compile.Inspect(artifact)
			if err != nil {
				return err
			}
			printInfo(cmd, args[0], info)
			return nil
		},
	}
}

// readArtifact reads an artifact, compiling .wat and .wasm sources in memory.
func readArtifact(path string) ([]byte, error) {
	bin, isSource, err := readModule(path)
	if err != nil {
		return nil, err
	}
	if isSource {
		return compile.Compile(bin, nil)
	}
	artifact, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path, err)
		}
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindIO, err, "read "+path)
	}
	return artifact, nil
}

func printInfo(cmd *cobra.Command, path string, info *compile.Info) {
	out := cmd.OutOrStdout()
	p := newPainter(out)

	fmt.Fprintf(out, "%s %s\n\n", p.render(titleStyle, "xvm artifact"), path)
	fmt.Fprintf(out, "version:    %d\n", info.Meta.Version)
	fmt.Fprintf(out, "schedule:   %d\n", info.Meta.ScheduleVersion)
	fmt.Fprintf(out, "static top: %d\n", info.Meta.StaticTop)
	fmt.Fprintf(out, "start:      %t\n", info.Meta.HasStart)
	if info.HasMemory {
		upper := "unbounded"
		if info.MemoryMax >= 0 {
			upper = fmt.Sprint(info.MemoryMax)
		}
		fmt.Fprintf(out, "memory:     %d..%s pages\n", info.MemoryMin, upper)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\nimports (%d)\n", len(info.Imports))
	for _, s := range info.Imports {
		fmt.Fprintf(w, "  %s.%s\t%s\t%s\n", s.Module, p.render(funcStyle, s.Name), s.Kind, p.render(typeStyle, s.Signature))
	}
	fmt.Fprintf(w, "\nexports (%d)\n", len(info.Exports))
	for _, s := range info.Exports {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", p.render(funcStyle, s.Name), s.Kind, p.render(typeStyle, s.Signature))
	}
	w.Flush()
}
