package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type app struct {
	cfg cliConfig
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: defaultConfig()}
	root := &cobra.Command{
		Use:           "xvm <command> [arguments]",
		Short:         "xvm compiles and runs gas-metered WebAssembly contracts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example:       "xvm compile counter.wasm -o counter.xvm\nxvm run counter.xvm increase 1 --gas 100000",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return setupLogging(cfg)
		},
	}
	addGlobalFlags(root)

	root.AddCommand(
		a.compileCommand(),
		a.inspectCommand(),
		a.runCommand(),
		a.benchCommand(),
		a.interactiveCommand(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version information.",
		Example: "xvm version",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s-%s %s\n", Version, CommitID, BuildTime)
		},
	}
}
