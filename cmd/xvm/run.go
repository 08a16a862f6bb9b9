package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/exec"
	"github.com/wippyai/wasm-xvm/wasi"
)

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <artifact|in.wasm|in.wat> <func> [args...]",
		Short: "Call an exported function in a fresh context.",
		Example: "xvm run counter.xvm add 2 3 --gas 100000\n" +
			"xvm run counter.wasm add 2 3 --code-cache ./cache",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if a.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
				defer cancel()
			}

			code, closeCode, err := a.openCode(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeCode()

			name := args[1]
			ft, ok := code.Export(name)
			if !ok {
				return errors.UnknownExport(name)
			}
			params, err := parseArgs(ft, args[2:])
			if err != nil {
				return err
			}
			return code.WithContext(ctx, &exec.ContextConfig{GasLimit: a.cfg.Gas}, func(xc *exec.Context) error {
				results, err := xc.Call(ctx, name, params...)
				printRun(cmd, xc, name, ft, results, err)
				return err
			})
		},
	}
}

func printRun(cmd *cobra.Command, xc *exec.Context, name string, ft exec.FuncType, results []int64, err error) {
	out := cmd.OutOrStdout()
	p := newPainter(out)

	if stdout := wasi.Stdout(xc); len(stdout) > 0 {
		out.Write(stdout)
	}
	if stderr := wasi.Stderr(xc); len(stderr) > 0 {
		cmd.ErrOrStderr().Write(stderr)
	}
	if err != nil {
		fmt.Fprintf(out, "%s %s\n", p.render(funcStyle, name), p.render(errorStyle, err.Error()))
	} else if len(results) > 0 {
		fmt.Fprintf(out, "%s = %s\n", p.render(funcStyle, name), p.render(resultStyle, formatResults(ft, results)))
	} else {
		fmt.Fprintf(out, "%s ok\n", p.render(funcStyle, name))
	}
	fmt.Fprintf(out, "%s\n", p.render(helpStyle, fmt.Sprintf("gas used: %d / %d", xc.GasUsed(), xc.GasLimit())))
}
