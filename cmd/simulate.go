// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/bmsrelay/internal/logging"
	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/capture"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	simInterval     int
	simStatus       uint8
	simGarbageEvery int
	simCount        int
	simReplayPath   string
	simSpeed        float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Act as a BMS and send synthetic traffic",
	Long: `Write BMS traffic to the connection, for testing the relay or a controller
without a battery attached.

By default a synthetic BMS is simulated: STATUS and CURRENT every cycle, the
slower measurements every tenth cycle, and SERIAL_NUMBER once at start-up.
--garbage-every inserts a burst of random bytes every N cycles.

With --replay the BMS side of a capture file (received packets and unknown
bytes) is written back with its original timing.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVar(&simInterval, "interval", 100, "Cycle interval in milliseconds")
	simulateCmd.Flags().Uint8Var(&simStatus, "status", 0, "STATUS flags byte to report")
	simulateCmd.Flags().IntVar(&simGarbageEvery, "garbage-every", 0, "Insert random bytes every N cycles (0 disables)")
	simulateCmd.Flags().IntVar(&simCount, "count", 0, "Stop after N cycles (0 runs until interrupted)")
	simulateCmd.Flags().StringVar(&simReplayPath, "replay", "", "Replay the BMS side of a capture file")
	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 1.0, "Replay speed multiplier")
}

// slowTypes are sent every tenth cycle
var slowTypes = []uint8{
	bms.TypeCellVoltages,
	bms.TypeTemperatures,
	bms.TypeStateOfCharge,
	bms.TypeTotalVoltage,
}

// simulator produces the traffic of one BMS cycle
type simulator struct {
	enc          *bms.Encoder
	table        bms.FrameTable
	status       uint8
	garbageEvery int
	rng          *rand.Rand
	cycle        int
}

func newSimulator(status uint8, garbageEvery int, seed int64) *simulator {
	table := bms.DefaultFrameTable()
	return &simulator{
		enc:          bms.NewEncoder(table),
		table:        table,
		status:       status,
		garbageEvery: garbageEvery,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// frame encodes typ with its first payload byte set to first
func (s *simulator) frame(typ uint8, first byte) ([]byte, error) {
	n, _ := s.table.Length(typ)
	payload := make([]byte, n-bms.MinFrameLen)
	if len(payload) > 0 {
		payload[0] = first
	}
	return s.enc.Encode(typ, payload)
}

// next returns the bytes of the next cycle
func (s *simulator) next() ([]byte, error) {
	var out []byte
	add := func(typ uint8, first byte) error {
		f, err := s.frame(typ, first)
		if err != nil {
			return err
		}
		out = append(out, f...)
		return nil
	}

	if s.cycle == 0 {
		if err := add(bms.TypeSerialNumber, 0x42); err != nil {
			return nil, err
		}
	}
	if err := add(bms.TypeStatus, s.status); err != nil {
		return nil, err
	}
	if err := add(bms.TypeCurrent, byte(s.cycle)); err != nil {
		return nil, err
	}
	if s.cycle%10 == 0 {
		for _, typ := range slowTypes {
			if err := add(typ, byte(s.cycle/10)); err != nil {
				return nil, err
			}
		}
	}
	if s.garbageEvery > 0 && s.cycle%s.garbageEvery == s.garbageEvery-1 {
		garbage := make([]byte, 1+s.rng.Intn(16))
		for i := range garbage {
			// Never 0xFF so the burst cannot start a frame
			garbage[i] = byte(s.rng.Intn(0xFF))
		}
		out = append(out, garbage...)
	}

	s.cycle++
	return out, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer closeConnection("source", conn)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("bmsrelay - BMS Simulator\n")
	fmt.Printf("Connection: %s\n", connInfo)

	if simReplayPath != "" {
		fmt.Printf("Replaying: %s at %.1fx\n\n", simReplayPath, simSpeed)
		return replayCapture(ctx, conn, simReplayPath, simSpeed)
	}

	if simInterval <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}
	fmt.Printf("Interval: %d ms, status 0x%02X\n", simInterval, simStatus)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	sim := newSimulator(simStatus, simGarbageEvery, time.Now().UnixNano())
	ticker := time.NewTicker(time.Duration(simInterval) * time.Millisecond)
	defer ticker.Stop()

	var sent int
	for simCount == 0 || sim.cycle < simCount {
		data, err := sim.next()
		if err != nil {
			return err
		}
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		sent += len(data)
		logging.LogRawBytes("simulate", data)

		select {
		case <-ctx.Done():
			fmt.Printf("Sent %d cycles (%d bytes)\n", sim.cycle, sent)
			return nil
		case <-ticker.C:
		}
	}

	fmt.Printf("Sent %d cycles (%d bytes)\n", sim.cycle, sent)
	return nil
}

// replayCapture writes the inbound records of a capture to w
func replayCapture(ctx context.Context, w io.Writer, path string, speed float64) error {
	r, f, err := capture.Open(path)
	if err != nil {
		return err
	}
	records, err := r.ReadAll()
	f.Close()
	if err != nil {
		return err
	}

	var sent int
	err = capture.Play(records, speed, nil, capture.Record.Inbound, func(rec capture.Record) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.Write(rec.Frame); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		sent++
		return nil
	})
	logging.Info("Replay finished", zap.Int("records", sent), zap.Int("total", len(records)))
	if ctx.Err() != nil {
		err = nil
	}
	fmt.Printf("Replayed %d of %d records\n", sent, len(records))
	return err
}
