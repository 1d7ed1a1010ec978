package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/add146/pendaftaran-sub000/internal/app"
	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/delivery"
	"github.com/add146/pendaftaran-sub000/internal/progress"
	"github.com/add146/pendaftaran-sub000/internal/targets"
	"github.com/add146/pendaftaran-sub000/internal/transport/telegram"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type sendOptions struct {
	name     string
	message  string
	dryRun   bool
	skip     int
	logLevel string

	jitterMin time.Duration
	jitterMax time.Duration
	delayMin  time.Duration
	delayMax  time.Duration
	rest      time.Duration
	batch     int
}

func buildSendCommand(cfgPath *string) *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send <targets-file>",
		Short: "Run one broadcast from a json, yaml or csv target file",
		Long: `Run one broadcast in the foreground and exit when it completes.

Ctrl-C pauses the run at the next checkpoint and prints the --skip value
that continues it where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.batch = batchOverride(cmd, o.batch)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSend(ctx, cmd.OutOrStdout(), *cfgPath, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.name, "name", "", "job name (defaults to the file name)")
	f.StringVarP(&o.message, "message", "m", "", "message for targets without their own")
	f.BoolVar(&o.dryRun, "dry-run", false, "print deliveries instead of sending them")
	f.IntVar(&o.skip, "skip", 0, "skip the first N targets (continue a paused run)")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	f.DurationVar(&o.jitterMin, "jitter-min", 0, "override broadcast.jitter_min")
	f.DurationVar(&o.jitterMax, "jitter-max", 0, "override broadcast.jitter_max")
	f.DurationVar(&o.delayMin, "delay-min", 0, "override broadcast.delay_min")
	f.DurationVar(&o.delayMax, "delay-max", 0, "override broadcast.delay_max")
	f.DurationVar(&o.rest, "rest", 0, "override broadcast.rest")
	f.IntVar(&o.batch, "batch", 0, "override broadcast.batch_size (negative disables rests)")
	return cmd
}

// batchOverride keeps 0 meaning "from config" unless --batch was given.
func batchOverride(cmd *cobra.Command, v int) int {
	if !cmd.Flags().Changed("batch") {
		return 0
	}
	if v == 0 {
		return -1
	}
	return v
}

func runSend(ctx context.Context, out io.Writer, cfgPath, file string, o sendOptions) error {
	if o.skip < 0 {
		return fmt.Errorf("--skip must be >= 0")
	}
	shot, err := app.LoadOneShot(cfgPath)
	if err != nil {
		return err
	}
	log := logx.NewWriter(out, o.logLevel)
	cfg := shot.Broadcast
	cfg.Pacing = o.apply(cfg.Pacing).Normalize()

	var deliverer broadcast.Deliverer
	if o.dryRun || strings.TrimSpace(shot.Token) == "" {
		if !o.dryRun {
			log.Warn("telegram token is empty; running as --dry-run")
		}
		deliverer = delivery.NewDryRun(out)
	} else {
		ad, err := telegram.New(telegram.Config{Token: shot.Token}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		deliverer = delivery.NewChat(shot.Delivery, ad, log.With(logx.String("comp", "delivery")))
	}

	provider := skipProvider(targets.FileProvider{BaseDir: shot.BaseDir}, o.skip)
	svc := broadcast.NewService(cfg, provider, deliverer, log.With(logx.String("comp", "broadcast")),
		broadcast.WithServiceObserver(progress.NewLogObserver(log.With(logx.String("comp", "progress")))))
	svc.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(sctx)
	}()

	name := o.name
	if name == "" {
		name = file
	}
	info, err := svc.NewJob(ctx, broadcast.JobSpec{Name: name, Source: file, Message: o.message})
	if err != nil {
		return err
	}
	if info.Total == 0 {
		fmt.Fprintln(out, "nothing to send")
		return nil
	}
	if _, err := svc.StartJob(ctx, info.JobID); err != nil {
		return err
	}
	snap, err := svc.Wait(context.WithoutCancel(ctx), info.JobID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Fprintln(out, progress.Format(snap))
	if snap.Status == broadcast.StatusPaused {
		fmt.Fprintf(out, "paused: continue with --skip %d\n", o.skip+snap.Cursor)
	}
	return nil
}

func (o sendOptions) apply(p broadcast.Pacing) broadcast.Pacing {
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.JitterMin, o.jitterMin)
	set(&p.JitterMax, o.jitterMax)
	set(&p.DelayMin, o.delayMin)
	set(&p.DelayMax, o.delayMax)
	set(&p.Rest, o.rest)
	if o.batch != 0 {
		p.BatchSize = o.batch
	}
	return p
}

func skipProvider(p broadcast.TargetProvider, n int) broadcast.TargetProvider {
	if n <= 0 {
		return p
	}
	return broadcast.TargetProviderFunc(func(ctx context.Context, jc broadcast.JobContext) ([]broadcast.Target, error) {
		ts, err := p.LoadTargets(ctx, jc)
		if err != nil {
			return nil, err
		}
		if n >= len(ts) {
			return nil, nil
		}
		return ts[n:], nil
	})
}
