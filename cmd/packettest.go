// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid BMS packet",
	Long: `Wait for a valid BMS packet on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any
complete BMS packet with a good checksum. Unknown bytes and packets with a
bad checksum are counted and skipped.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

// firstPacketHandler keeps the first frame with a valid checksum
type firstPacketHandler struct {
	table        bms.FrameTable
	packet       *bms.Packet
	unknownBytes int
	badPackets   int
}

func (h *firstPacketHandler) HandleFrame(frame []byte) {
	if h.packet != nil {
		return
	}
	p := bms.NewPacket(h.table, append([]byte(nil), frame...))
	if !p.ChecksumValid() {
		h.badPackets++
		return
	}
	h.packet = p
}

func (h *firstPacketHandler) HandleUnknown(data []byte) {
	h.unknownBytes += len(data)
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("bmsrelay - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid BMS packet...\n\n")

	table := bms.DefaultFrameTable()
	packetChan := make(chan *bms.Packet, 1)
	errChan := make(chan error, 1)
	handler := &firstPacketHandler{table: table}
	framer := relay.NewFramer(table, handler)

	// Reader goroutine
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			for i := 0; i < n && handler.packet == nil; i++ {
				framer.Push(buf[i])
			}
			if handler.packet != nil {
				if handler.unknownBytes > 0 || handler.badPackets > 0 {
					fmt.Printf("(skipped %d unknown bytes and %d bad packets before sync)\n",
						handler.unknownBytes, handler.badPackets)
				}
				packetChan <- handler.packet
				return
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	// Wait for packet or timeout
	select {
	case packet := <-packetChan:
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Printf("  Type: %s (0x%02X)\n", bms.FormatMessageType(packet.Type()), packet.Type())
		fmt.Printf("  Length: %d bytes\n", packet.Len())
		fmt.Printf("  Checksum: 0x%04X\n", packet.Checksum())
		if status, ok := bms.StatusFromPacket(packet); ok {
			fmt.Printf("  Status: %s\n", status)
		}
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
