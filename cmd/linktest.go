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
	linkTestDuration int
	linkTestSink     bool
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test connection stability on one side of the relay",
	Long: `Connect to one side of the relay and listen without forwarding anything.

Received bytes are framed so the report shows how many packets arrived intact.
Use --sink to test the controller side (--sink-port/--sink-url) instead of
the BMS side.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runLinkTest,
}

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
	linkTestCmd.Flags().BoolVar(&linkTestSink, "sink", false, "Test the controller side")
}

// linkCounter counts framer output
type linkCounter struct {
	table        bms.FrameTable
	packets      int
	badPackets   int
	unknownBytes int
}

func (c *linkCounter) HandleFrame(frame []byte) {
	if bms.NewPacket(c.table, frame).ChecksumValid() {
		c.packets++
		return
	}
	c.badPackets++
}

func (c *linkCounter) HandleUnknown(data []byte) {
	c.unknownBytes += len(data)
}

func (c *linkCounter) report(elapsed time.Duration, bytesReceived int) {
	fmt.Printf("Duration: %v\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Bytes received: %d\n", bytesReceived)
	fmt.Printf("Packets received: %d\n", c.packets)
	fmt.Printf("Bad checksums: %d\n", c.badPackets)
	fmt.Printf("Unknown bytes: %d\n", c.unknownBytes)
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	role, endpoint := "source", cfg.Source
	if linkTestSink {
		role, endpoint = "sink", cfg.Sink
	}
	conn, connInfo, err := OpenEndpoint(role, endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Connection Stability Test (%s)\n", role)
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	// Start a goroutine to read from the connection
	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	table := bms.DefaultFrameTable()
	counter := &linkCounter{table: table}
	framer := relay.NewFramer(table, counter)

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)
	bytesReceived := 0

	fmt.Printf("Listening for data...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			for _, b := range data {
				framer.Push(b)
			}

		case err := <-errChan:
			framer.Flush()
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			fmt.Printf("\n--- Test Results ---\n")
			counter.report(time.Since(start), bytesReceived)
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-heartbeat.C:
			// Just a heartbeat to show the test is running
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... %d packets (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), counter.packets, remaining)
		}
	}

	framer.Flush()
	fmt.Printf("\n--- Test Results ---\n")
	counter.report(time.Since(start), bytesReceived)
	fmt.Printf("Result: PASSED (connection stable)\n")

	return nil
}
