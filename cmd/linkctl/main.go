// Command linkctl writes and inspects the shared control file of a running
// linkemu.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/logging"
	"github.com/signalsfoundry/link-emulator/timectrl"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout, logging.NewFromEnv())
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer, log logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "linkctl",
		Short:        "Control an emulated link through its shared control file",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(
		initSubcommand(),
		setRateSubcommand(),
		enableSubcommand(true),
		enableSubcommand(false),
		showSubcommand(),
		replaySubcommand(log),
	)
	return root
}

func initSubcommand() *cobra.Command {
	var (
		mbps     float64
		interval uint64
		disabled bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init FILE",
		Short: "Create a control file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := control.BitsPerSecondFromMbps(mbps)
			if interval != 0 {
				value = interval
			}
			if value == 0 {
				return fmt.Errorf("refusing to create %s with a zero rate", args[0])
			}
			if err := control.CreateFile(args[0], value, !disabled, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: value=%d enabled=%t\n", args[0], value, !disabled)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Float64Var(&mbps, "mbps", 12, "Initial capacity in Mbits/s")
	flags.Uint64Var(&interval, "interval", 0, "Initial tick interval in ms, for interval-mode links")
	flags.BoolVar(&disabled, "disabled", false, "Start with the link disabled")
	flags.BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func setRateSubcommand() *cobra.Command {
	var (
		mbps     float64
		bps      uint64
		interval uint64
	)
	cmd := &cobra.Command{
		Use:   "set-rate FILE",
		Short: "Change the link capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value uint64
			switch {
			case bps != 0:
				value = bps
			case interval != 0:
				value = interval
			default:
				value = control.BitsPerSecondFromMbps(mbps)
			}
			if value == 0 {
				return fmt.Errorf("one of --mbps, --bps or --interval must be positive")
			}
			return withRegion(args[0], true, func(r control.Region) error {
				if err := r.Store(control.SlotValue, value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: value=%d\n", args[0], value)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.Float64Var(&mbps, "mbps", 0, "Capacity in Mbits/s")
	flags.Uint64Var(&bps, "bps", 0, "Capacity in bits/s")
	flags.Uint64Var(&interval, "interval", 0, "Tick interval in ms, for interval-mode links")
	cmd.MarkFlagsMutuallyExclusive("mbps", "bps", "interval")
	return cmd
}

func enableSubcommand(enabled bool) *cobra.Command {
	use, short := "enable FILE", "Admit new packets"
	if !enabled {
		use, short = "disable FILE", "Discard new packets; queued ones still drain"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegion(args[0], true, func(r control.Region) error {
				if err := r.Store(control.SlotEnabled, control.FlagValue(enabled)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", args[0], enabled)
				return nil
			})
		},
	}
}

func showSubcommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "show FILE",
		Short: "Print the current control values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := control.ParseMode(mode)
			if err != nil {
				return err
			}
			return withRegion(args[0], false, func(r control.Region) error {
				sig, err := control.NewRegionSource(r).Read()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if m == control.ModeInterval {
					fmt.Fprintf(out, "interval: %d ms\n", sig.Value)
				} else {
					fmt.Fprintf(out, "rate: %d bit/s (%.3f Mbit/s)\n", sig.Value, float64(sig.Value)/1e6)
				}
				fmt.Fprintf(out, "enabled: %t\n", sig.Enabled)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "bitrate", "How to read slot 0: bitrate or interval")
	return cmd
}

func replaySubcommand(log logging.Logger) *cobra.Command {
	var accelerated bool
	cmd := &cobra.Command{
		Use:   "replay FILE SCHEDULE",
		Short: "Apply a YAML schedule of control changes as time passes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := control.LoadSchedule(args[1])
			if err != nil {
				return err
			}
			mode := timectrl.RealTime
			if accelerated {
				mode = timectrl.Accelerated
			}
			return withRegion(args[0], true, func(r control.Region) error {
				return replay(cmd.Context(), timectrl.NewTimeController(mode), control.NewScheduler(r, steps), log)
			})
		},
	}
	cmd.Flags().BoolVar(&accelerated, "accelerated", false, "Apply every step immediately in order")
	return cmd
}

// replay applies every step of sched at its offset from now. Cancellation
// stops early without error.
func replay(ctx context.Context, tc *timectrl.TimeController, sched *control.Scheduler, log logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := tc.Now()
	for !sched.Done() {
		elapsed := time.Duration(tc.Now()-start) * time.Millisecond
		n, err := sched.Apply(elapsed)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info(ctx, "control schedule applied", logging.Int("steps", n), logging.Duration("elapsed", elapsed))
		}
		at, ok := sched.NextAt()
		if !ok {
			break
		}
		wait := uint64((at - elapsed + time.Millisecond - 1) / time.Millisecond)
		if err := tc.Wait(ctx, max(wait, 1)); err != nil {
			log.Info(ctx, "replay interrupted", logging.Err(err))
			return nil
		}
	}
	return nil
}

func withRegion(path string, writable bool, fn func(control.Region) error) (err error) {
	r, err := control.OpenMMap(path, writable)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(r)
}
