// remotecc is the client-side dispatcher of the distributed
// compilation service: it intercepts compiler invocations, ships them
// to the remote cluster, and falls back to a bounded local subprocess
// pool when the remote path fails.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/internal/version"
	"github.com/remotecc/remotecc/pkg/subproc"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "remotecc",
		Short:         "client-side dispatcher for distributed C/C++ compilation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCompileCmd())
	root.AddCommand(newSubprocHelperCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.UserAgent())
		},
	})

	if err := root.Execute(); err != nil {
		logger.Error("command failed", logger.KeyError, err.Error())
		os.Exit(1)
	}
}

// newSubprocHelperCmd is the hidden re-exec entry point: the daemon
// spawns `remotecc subproc-helper` with the server end of the
// socketpair as fd 3.
func newSubprocHelperCmd() *cobra.Command {
	opts := subproc.DefaultOptions()
	cmd := &cobra.Command{
		Use:    "subproc-helper",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			subproc.ServeHelper(opts)
		},
	}
	cmd.Flags().IntVar(&opts.MaxSubprocs, "max-subprocs", opts.MaxSubprocs, "")
	cmd.Flags().IntVar(&opts.MaxSubprocsLowPriority, "max-subprocs-low-priority", opts.MaxSubprocsLowPriority, "")
	cmd.Flags().IntVar(&opts.MaxSubprocsHeavyWeight, "max-subprocs-heavy-weight", opts.MaxSubprocsHeavyWeight, "")
	cmd.Flags().BoolVar(&opts.DontKillSubprocess, "dont-kill-subprocess", opts.DontKillSubprocess, "")
	return cmd
}
