// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/bmsrelay/internal/logging"
	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/capture"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runUseTUI        bool
	runCapturePath   string
	runNoReplay      bool
	runShowPackets   bool
	runStatsInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Relay the BMS stream to the motor controller",
	Long: `Open both sides of the relay and forward the BMS stream to the controller.

Every packet is framed, checked and forwarded. Bytes that are not part of a
packet are passed through unchanged; packets with a bad checksum are dropped.
When a packet type goes quiet for longer than its deadline, the last good
packet of that type is re-sent:
  STATUS, CURRENT   every 500 ms
  SERIAL_NUMBER     never
  everything else   every 3 s

Use --capture to record all traffic for later analysis with capture_dump,
and --tui for a live monitor. Press Ctrl+C to stop; statistics are printed
on exit.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runUseTUI, "tui", false, "Show the live monitor")
	runCmd.Flags().StringVar(&runCapturePath, "capture", "", "Record traffic to a capture file")
	runCmd.Flags().BoolVar(&runNoReplay, "no-replay", false, "Disable replay of stale packets")
	runCmd.Flags().BoolVar(&runShowPackets, "show-packets", false, "Print every forwarded packet (text mode)")
	runCmd.Flags().IntVar(&runStatsInterval, "stats-interval", 10, "Statistics interval in seconds (text mode, 0 disables)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("capture") {
		cfg.Capture.Path = runCapturePath
	}
	if flags.Changed("no-replay") {
		cfg.Relay.Replay = !runNoReplay
	}
	policy, err := cfg.ReplayPolicy()
	if err != nil {
		return err
	}
	if !cfg.Source.Configured() {
		return fmt.Errorf("either --port or --url must be specified")
	}
	if !cfg.Sink.Configured() {
		return fmt.Errorf("either --sink-port or --sink-url must be specified")
	}

	srcConn, srcInfo, err := OpenEndpoint("source", cfg.Source)
	if err != nil {
		return err
	}
	defer closeConnection("source", srcConn)

	sinkConn, sinkInfo, err := OpenEndpoint("sink", cfg.Sink)
	if err != nil {
		return err
	}
	defer closeConnection("sink", sinkConn)

	logger := logging.Named("relay")
	source := relay.NewStreamSource(srcConn, logger)
	sink := relay.NewStreamSink(sinkConn, logger)

	relayConfig := relay.DefaultConfig()
	relayConfig.ReplayPolicy = policy
	relayConfig.ReplayEnabled = cfg.Relay.Replay
	r := relay.New(source, sink, relay.NewSystemClock(), relayConfig, logger)

	var recorder *capture.Recorder
	if cfg.Capture.Path != "" {
		w, err := capture.Create(cfg.Capture.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				logging.Warn("Failed to close capture", zap.Error(err))
			}
		}()
		recorder = capture.NewRecorder(w, logging.Named("capture"))
		if err := recorder.Attach(r); err != nil {
			return err
		}
		logging.Info("Capturing traffic", zap.String("path", cfg.Capture.Path))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := &relayLoop{
		relay:    r,
		source:   source,
		sink:     sink,
		recorder: recorder,
		interval: cfg.Relay.PollInterval,
	}

	if runUseTUI {
		return runMonitor(ctx, loop, srcInfo, sinkInfo, policy)
	}
	return runTextRelay(ctx, loop, srcInfo, sinkInfo)
}

// relayLoop drives a relay from a single goroutine
type relayLoop struct {
	relay    *relay.Relay
	source   *relay.StreamSource
	sink     *relay.StreamSink
	recorder *capture.Recorder
	interval time.Duration

	// onTick runs on the loop goroutine after every iteration
	onTick func()
}

// run calls Loop every interval until ctx is done or the source stops. Any
// pending partial frame is flushed through before returning.
func (l *relayLoop) run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.relay.Loop()
		if err := l.sink.Flush(); err != nil {
			return fmt.Errorf("sink write failed: %w", err)
		}
		if l.onTick != nil {
			l.onTick()
		}

		select {
		case <-ctx.Done():
			return l.finish(nil)
		case <-l.source.Done():
			l.relay.Loop()
			err := l.source.Err()
			if isClosed(err) {
				logging.Info("Source closed")
				err = nil
			}
			if err != nil {
				err = fmt.Errorf("source read failed: %w", err)
			}
			return l.finish(err)
		case <-ticker.C:
		}
	}
}

func (l *relayLoop) finish(err error) error {
	l.source.Close()
	l.relay.Flush()
	if ferr := l.sink.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("sink write failed: %w", ferr)
	}
	if l.recorder != nil {
		if rerr := l.recorder.Flush(); rerr != nil {
			logging.Warn("Capture incomplete", zap.Error(rerr))
		}
	}
	if l.onTick != nil {
		l.onTick()
	}
	return err
}

// runTextRelay runs the relay printing events and statistics to stdout
func runTextRelay(ctx context.Context, loop *relayLoop, srcInfo, sinkInfo string) error {
	fmt.Printf("bmsrelay - Relay\n")
	fmt.Printf("BMS:        %s\n", srcInfo)
	fmt.Printf("Controller: %s\n", sinkInfo)
	if !cfg.Relay.Replay {
		fmt.Printf("Replay:     disabled\n")
	}
	if cfg.Capture.Path != "" {
		fmt.Printf("Capture:    %s\n", cfg.Capture.Path)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	r := loop.relay
	if runShowPackets {
		if err := r.OnForwarded(relay.PacketObserverFunc(func(_ *relay.Relay, p *bms.Packet) {
			fmt.Print(bms.FormatPacket(p, time.Now()))
		})); err != nil {
			return err
		}
	}
	if err := r.OnDropped(relay.PacketObserverFunc(func(_ *relay.Relay, p *bms.Packet) {
		if p.ChecksumValid() {
			return
		}
		fmt.Print(bms.FormatPacket(p, time.Now()))
		fmt.Printf("  >>> PACKET DROPPED <<<\n\n")
	})); err != nil {
		return err
	}

	if runStatsInterval > 0 {
		interval := time.Duration(runStatsInterval) * time.Second
		next := time.Now().Add(interval)
		loop.onTick = func() {
			if time.Now().Before(next) {
				return
			}
			next = time.Now().Add(interval)
			fmt.Println()
			fmt.Print(r.Stats().String())
			fmt.Println()
		}
	}

	err := loop.run(ctx)

	fmt.Println()
	fmt.Print(r.Stats().String())
	return err
}
