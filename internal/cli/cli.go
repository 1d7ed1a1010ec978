// Package cli is the command line of the broadcast daemon.
//
//	broadcast serve     run the daemon (Telegram, HTTP API, scheduler)
//	broadcast send      run one broadcast from a target file and exit
//	broadcast validate  check a config file
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/add146/pendaftaran-sub000/internal/app"
	"github.com/add146/pendaftaran-sub000/internal/scheduler"
)

const defaultConfig = "./config.json"

var version = "dev"

func BuildCLI() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "broadcast",
		Short:         "Throttled, resumable message broadcasts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfig, "config file (json or yaml)")

	root.AddCommand(buildServeCommand(&cfgPath))
	root.AddCommand(buildSendCommand(&cfgPath))
	root.AddCommand(buildValidateCommand(&cfgPath))
	return root
}

func buildServeCommand(cfgPath *string) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgPath, grace)
		},
	}
	cmd.Flags().DurationVar(&grace, "shutdown-timeout", 15*time.Second, "how long a graceful shutdown may take")
	return cmd
}

func runServe(ctx context.Context, cfgPath string, grace time.Duration) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigc:
		reason = stopReasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	sctx, scancel := context.WithTimeout(context.Background(), grace)
	defer scancel()
	stopErr := a.Stop(sctx, reason)
	if reason == app.StopFatalError && a.Err() != nil {
		return a.Err()
	}
	return stopErr
}

func stopReasonFor(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}

func buildValidateCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print its jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Check(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := make([]string, 0, len(cfg.Jobs))
			for name := range cfg.Jobs {
				names = append(names, name)
			}
			sort.Strings(names)
			scheduled := 0
			for _, name := range names {
				j := cfg.Jobs[name]
				when := "manual"
				if strings.TrimSpace(j.Schedule) != "" {
					spec, _ := scheduler.NormalizeSpec(j.Schedule)
					when = "cron " + spec
					scheduled++
				}
				fmt.Fprintf(out, "  %-20s %-30s %s\n", name, j.Source, when)
			}
			fmt.Fprintf(out, "config ok: %d jobs, %d scheduled\n", len(names), scheduled)
			return nil
		},
	}
}
