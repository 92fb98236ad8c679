// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/bmsrelay/internal/logging"
	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"github.com/spf13/cobra"
)

var rawLogShowUnknown bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display the BMS stream in human-readable format",
	Long: `Continuously frame and display BMS packets as they arrive.

Each packet is shown with timestamp, message type, checksum state and payload.
Nothing is forwarded; use this to look at a BMS before putting the relay inline.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogShowUnknown, "show-unknown", true, "Print bytes that are not part of a packet")
}

// printingHandler prints framer output to w
type printingHandler struct {
	w           io.Writer
	table       bms.FrameTable
	showUnknown bool
}

func (h printingHandler) HandleFrame(frame []byte) {
	fmt.Fprint(h.w, bms.FormatPacket(bms.NewPacket(h.table, frame), time.Now()))
}

func (h printingHandler) HandleUnknown(data []byte) {
	if !h.showUnknown {
		return
	}
	fmt.Fprintf(h.w, "[%s] UNKNOWN %d bytes\n", time.Now().Format("15:04:05.000"), len(data))
	fmt.Fprint(h.w, bms.FormatHex("  Data: ", data))
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer closeConnection("source", conn)

	fmt.Printf("bmsrelay - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	table := bms.DefaultFrameTable()
	framer := relay.NewFramer(table, printingHandler{
		w:           cmd.OutOrStdout(),
		table:       table,
		showUnknown: rawLogShowUnknown,
	})
	return logStream(conn, framer)
}

// logStream pushes everything read from r through framer until the
// connection closes, then flushes whatever is left.
func logStream(r io.Reader, framer *relay.Framer) error {
	buf := make([]byte, 128)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logging.LogRawBytes("source", buf[:n])
		}
		for i := 0; i < n; i++ {
			framer.Push(buf[i])
		}
		if err != nil {
			framer.Flush()
			if isClosed(err) {
				logging.Info("Connection closed")
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
	}
}
