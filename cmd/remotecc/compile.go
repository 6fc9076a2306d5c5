package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/config"
	"github.com/remotecc/remotecc/pkg/dispatch"
)

// newCompileCmd runs one compile through the dispatcher stack and
// exits with the compiler's status. Usage:
//
//	remotecc compile -- g++ -O2 -c main.cc -o main.o
func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile -- <compiler> [args...]",
		Short: "dispatch a single compilation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(logger.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			}); err != nil {
				return err
			}

			d, _, cleanup, err := buildStack(cfg, true)
			if err != nil {
				return err
			}
			defer cleanup()

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			result, err := d.Compile(context.Background(), dispatch.Invocation{
				Argv: args,
				Cwd:  cwd,
				Env:  os.Environ(),
			})
			if err != nil {
				return err
			}

			os.Stdout.Write(result.Stdout)
			os.Stderr.Write(result.Stderr)
			for _, out := range result.Outputs {
				if err := os.WriteFile(out.Filename, out.Content, 0644); err != nil {
					return fmt.Errorf("write output %s: %w", out.Filename, err)
				}
			}
			if result.ExitStatus != 0 {
				os.Exit(int(result.ExitStatus))
			}
			return nil
		},
	}
}
