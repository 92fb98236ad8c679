// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/capture"
	"github.com/spf13/cobra"
)

var (
	dumpKinds       []string
	dumpSummaryOnly bool
)

var captureDumpCmd = &cobra.Command{
	Use:   "capture_dump FILE",
	Short: "Print the contents of a capture file",
	Long: `Decode a capture written by "run --capture" and print every record.

Each record is shown with its offset from the start of the capture and what
the relay did with it: received, forwarded, dropped, replayed, or unknown for
bytes that were passed through without being framed. A per-type summary is
printed at the end.

Use --kind to only show some record kinds, e.g. --kind dropped,replayed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCaptureDump,
}

func init() {
	rootCmd.AddCommand(captureDumpCmd)
	captureDumpCmd.Flags().StringSliceVar(&dumpKinds, "kind", nil, "Only show these record kinds")
	captureDumpCmd.Flags().BoolVar(&dumpSummaryOnly, "summary", false, "Only print the summary")
}

func runCaptureDump(cmd *cobra.Command, args []string) error {
	r, f, err := capture.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	kinds := make(map[capture.Kind]bool)
	for _, k := range dumpKinds {
		kind := capture.Kind(strings.ToLower(strings.TrimSpace(k)))
		switch kind {
		case capture.KindReceived, capture.KindForwarded, capture.KindDropped,
			capture.KindReplayed, capture.KindUnknown:
			kinds[kind] = true
		default:
			return fmt.Errorf("unknown record kind %q", k)
		}
	}

	return dumpCapture(cmd.OutOrStdout(), r, kinds, dumpSummaryOnly)
}

// captureSummary counts records by kind and packet type
type captureSummary struct {
	records      int
	byKind       map[capture.Kind]int
	byType       map[uint8]map[capture.Kind]int
	unknownBytes int
	first, last  uint32
}

func newCaptureSummary() *captureSummary {
	return &captureSummary{
		byKind: make(map[capture.Kind]int),
		byType: make(map[uint8]map[capture.Kind]int),
	}
}

func (s *captureSummary) add(rec capture.Record) {
	if s.records == 0 {
		s.first = rec.AtMillis
	}
	s.records++
	s.last = rec.AtMillis
	s.byKind[rec.Kind]++
	if rec.Kind == capture.KindUnknown {
		s.unknownBytes += len(rec.Frame)
		return
	}
	if s.byType[rec.Type] == nil {
		s.byType[rec.Type] = make(map[capture.Kind]int)
	}
	s.byType[rec.Type][rec.Kind]++
}

func (s *captureSummary) write(w io.Writer) {
	duration := time.Duration(s.last-s.first) * time.Millisecond
	fmt.Fprintf(w, "=== Capture Summary ===\n")
	fmt.Fprintf(w, "Records: %d over %s\n", s.records, duration)
	fmt.Fprintf(w, "  Received:  %d\n", s.byKind[capture.KindReceived])
	fmt.Fprintf(w, "  Forwarded: %d\n", s.byKind[capture.KindForwarded])
	fmt.Fprintf(w, "  Dropped:   %d\n", s.byKind[capture.KindDropped])
	fmt.Fprintf(w, "  Replayed:  %d\n", s.byKind[capture.KindReplayed])
	fmt.Fprintf(w, "  Unknown:   %d (%d bytes)\n", s.byKind[capture.KindUnknown], s.unknownBytes)

	if len(s.byType) == 0 {
		return
	}
	types := make([]int, 0, len(s.byType))
	for t := range s.byType {
		types = append(types, int(t))
	}
	sort.Ints(types)

	fmt.Fprintf(w, "\n%-22s %9s %9s %8s %8s\n", "Type", "Received", "Forwarded", "Dropped", "Replayed")
	for _, t := range types {
		c := s.byType[uint8(t)]
		fmt.Fprintf(w, "%-22s %9d %9d %8d %8d\n",
			fmt.Sprintf("%s (0x%02X)", bms.FormatMessageType(uint8(t)), t),
			c[capture.KindReceived], c[capture.KindForwarded], c[capture.KindDropped], c[capture.KindReplayed])
	}
}

// dumpCapture prints the records of r accepted by kinds (all when empty),
// followed by a summary of every record.
func dumpCapture(w io.Writer, r *capture.Reader, kinds map[capture.Kind]bool, summaryOnly bool) error {
	h := r.Header()
	started := time.Unix(h.Started, 0)
	fmt.Fprintf(w, "Capture v%d started %s\n\n", h.Version, started.Format(time.RFC3339))

	table := bms.DefaultFrameTable()
	summary := newCaptureSummary()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			summary.write(w)
			return fmt.Errorf("capture truncated after %d records: %w", summary.records, err)
		}
		summary.add(rec)

		if summaryOnly || (len(kinds) > 0 && !kinds[rec.Kind]) {
			continue
		}
		offset := time.Duration(rec.AtMillis-summary.first) * time.Millisecond
		fmt.Fprintf(w, "+%-10s %s\n", formatOffset(offset), strings.ToUpper(string(rec.Kind)))
		if rec.Kind == capture.KindUnknown {
			fmt.Fprint(w, bms.FormatHex("  Data: ", rec.Frame))
		} else {
			fmt.Fprint(w, "  "+bms.FormatPacket(bms.NewPacket(table, rec.Frame), started.Add(offset)))
		}
	}

	if !summaryOnly {
		fmt.Fprintln(w)
	}
	summary.write(w)
	return nil
}

// formatOffset renders d as seconds with millisecond precision
func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}
