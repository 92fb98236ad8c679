// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/bmsrelay/internal/config"
	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/capture"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ============================================================
// Flag Tests
// ============================================================

func newEndpointFlags(prefix string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(prefix+"port", "", "")
	flags.Int(prefix+"baud", config.DefaultBaud, "")
	flags.String(prefix+"url", "", "")
	flags.String(prefix+"username", "", "")
	flags.Bool(prefix+"no-ssl-verify", false, "")
	return flags
}

func TestApplyEndpointFlags_OnlyChangedFlags(t *testing.T) {
	flags := newEndpointFlags("sink-")
	if err := flags.Parse([]string{"--sink-baud", "9600"}); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	e := config.Endpoint{Port: "/dev/ttyS1", Baud: config.DefaultBaud, Username: "from-file"}
	applyEndpointFlags(flags, "sink-", &e)

	if e.Port != "/dev/ttyS1" {
		t.Errorf("Port = %q, want file value kept", e.Port)
	}
	if e.Baud != 9600 {
		t.Errorf("Baud = %d, want 9600", e.Baud)
	}
	if e.Username != "from-file" {
		t.Errorf("Username = %q, want file value kept", e.Username)
	}
}

func TestApplyEndpointFlags_URLReplacesPort(t *testing.T) {
	flags := newEndpointFlags("")
	if err := flags.Parse([]string{"--url", "wss://bridge/bms", "--username", "admin", "--no-ssl-verify"}); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	e := config.Endpoint{Port: "/dev/ttyUSB0", Baud: config.DefaultBaud}
	applyEndpointFlags(flags, "", &e)

	if e.Port != "" {
		t.Errorf("Port = %q, want cleared by --url", e.Port)
	}
	if e.URL != "wss://bridge/bms" || e.Username != "admin" || !e.NoSSLVerify {
		t.Errorf("endpoint = %+v", e)
	}
}

func TestApplyEndpointFlags_PortReplacesURL(t *testing.T) {
	flags := newEndpointFlags("")
	if err := flags.Parse([]string{"--port", "/dev/ttyUSB1"}); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	e := config.Endpoint{URL: "ws://bridge/bms", Baud: config.DefaultBaud}
	applyEndpointFlags(flags, "", &e)

	if e.URL != "" || e.Port != "/dev/ttyUSB1" {
		t.Errorf("endpoint = %+v, want port only", e)
	}
}

// ============================================================
// Simulator Tests
// ============================================================

// typeCollector records the type of every valid frame
type typeCollector struct {
	linkCounter
	types []uint8
}

func (c *typeCollector) HandleFrame(frame []byte) {
	c.linkCounter.HandleFrame(frame)
	c.types = append(c.types, frame[bms.TypeOffset])
}

func feedSimulator(t *testing.T, sim *simulator, cycles int, h relay.FrameHandler) {
	t.Helper()
	framer := relay.NewFramer(bms.DefaultFrameTable(), h)
	for i := 0; i < cycles; i++ {
		data, err := sim.next()
		if err != nil {
			t.Fatalf("next() error: %v", err)
		}
		for _, b := range data {
			framer.Push(b)
		}
	}
	framer.Flush()
}

func TestSimulator_FirstCycle(t *testing.T) {
	sim := newSimulator(bms.StatusCharging, 0, 1)
	c := &typeCollector{linkCounter: linkCounter{table: bms.DefaultFrameTable()}}
	feedSimulator(t, sim, 1, c)

	want := []uint8{
		bms.TypeSerialNumber,
		bms.TypeStatus,
		bms.TypeCurrent,
		bms.TypeCellVoltages,
		bms.TypeTemperatures,
		bms.TypeStateOfCharge,
		bms.TypeTotalVoltage,
	}
	if len(c.types) != len(want) {
		t.Fatalf("got types %v, want %v", c.types, want)
	}
	for i := range want {
		if c.types[i] != want[i] {
			t.Errorf("frame %d type = 0x%02X, want 0x%02X", i, c.types[i], want[i])
		}
	}
	if c.badPackets != 0 || c.unknownBytes != 0 {
		t.Errorf("bad=%d unknown=%d, want clean stream", c.badPackets, c.unknownBytes)
	}
}

func TestSimulator_StatusByte(t *testing.T) {
	sim := newSimulator(bms.StatusCharging|bms.StatusBatteryEmpty, 0, 1)
	sim.cycle = 1 // skip the start-up frames

	data, err := sim.next()
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	n, _ := bms.DefaultFrameTable().Length(bms.TypeStatus)
	p := bms.NewPacket(bms.DefaultFrameTable(), data[:n])
	status, ok := bms.StatusFromPacket(p)
	if !ok {
		t.Fatal("first frame of a cycle should be STATUS")
	}
	if !status.IsCharging() || !status.IsBatteryEmpty() {
		t.Errorf("status = %s, want charging and empty", status)
	}
}

func TestSimulator_GarbageNeverBreaksFraming(t *testing.T) {
	sim := newSimulator(0, 1, 42)
	c := &linkCounter{table: bms.DefaultFrameTable()}
	feedSimulator(t, sim, 50, c)

	// 2 per cycle, 1 serial number, 4 slow types every tenth cycle
	wantPackets := 50*2 + 1 + 5*4
	if c.packets != wantPackets {
		t.Errorf("packets = %d, want %d", c.packets, wantPackets)
	}
	if c.badPackets != 0 {
		t.Errorf("badPackets = %d, want 0", c.badPackets)
	}
	if c.unknownBytes == 0 {
		t.Error("expected garbage bytes to be passed through as unknown")
	}
}

// ============================================================
// Capture Dump Tests
// ============================================================

func writeTestCapture(t *testing.T) *capture.Reader {
	t.Helper()
	enc := bms.NewEncoder(bms.DefaultFrameTable())
	n, _ := bms.DefaultFrameTable().Length(bms.TypeStatus)
	payload := make([]byte, n-bms.MinFrameLen)
	payload[0] = bms.StatusCharging
	status, err := enc.Encode(bms.TypeStatus, payload)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	bad := append([]byte(nil), status...)
	bad[len(bad)-1] ^= 0xFF

	var buf bytes.Buffer
	w, err := capture.NewWriter(&buf, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	records := []capture.Record{
		{AtMillis: 1000, Kind: capture.KindReceived, Type: bms.TypeStatus, Frame: status},
		{AtMillis: 1000, Kind: capture.KindForwarded, Type: bms.TypeStatus, Frame: status},
		{AtMillis: 1010, Kind: capture.KindUnknown, Frame: []byte{0x01, 0x02}},
		{AtMillis: 1500, Kind: capture.KindDropped, Type: bms.TypeStatus, Frame: bad},
	}
	for _, rec := range records {
		if err := w.WriteRecord(rec); err != nil {
			t.Fatalf("WriteRecord() error: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	r, err := capture.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader() error: %v", err)
	}
	return r
}

func TestDumpCapture_AllRecords(t *testing.T) {
	var out bytes.Buffer
	if err := dumpCapture(&out, writeTestCapture(t), nil, false); err != nil {
		t.Fatalf("dumpCapture() error: %v", err)
	}

	s := out.String()
	for _, want := range []string{
		"RECEIVED",
		"FORWARDED",
		"UNKNOWN",
		"DROPPED",
		"+0.500s",
		"crc=",
		"=== Capture Summary ===",
		"Records: 4 over 500ms",
		"Unknown:   1 (2 bytes)",
		"STATUS (0x00)",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestDumpCapture_KindFilter(t *testing.T) {
	var out bytes.Buffer
	kinds := map[capture.Kind]bool{capture.KindDropped: true}
	if err := dumpCapture(&out, writeTestCapture(t), kinds, false); err != nil {
		t.Fatalf("dumpCapture() error: %v", err)
	}

	s := out.String()
	if !strings.Contains(s, "DROPPED") {
		t.Errorf("filtered output should contain the dropped record:\n%s", s)
	}
	if strings.Contains(s, "FORWARDED") || strings.Contains(s, "UNKNOWN") {
		t.Errorf("filtered output should not contain other kinds:\n%s", s)
	}
	// Summary still counts everything
	if !strings.Contains(s, "Records: 4") {
		t.Errorf("summary should count all records:\n%s", s)
	}
}

func TestDumpCapture_SummaryOnly(t *testing.T) {
	var out bytes.Buffer
	if err := dumpCapture(&out, writeTestCapture(t), nil, true); err != nil {
		t.Fatalf("dumpCapture() error: %v", err)
	}
	if strings.Contains(out.String(), "RECEIVED") {
		t.Errorf("summary-only output should not list records:\n%s", out.String())
	}
}

// ============================================================
// Monitor Tests
// ============================================================

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age  relay.Millis
		want string
	}{
		{0, "0ms"},
		{250, "250ms"},
		{1500, "1.5s"},
		{90000, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.age); got != tt.want {
			t.Errorf("formatAge(%d) = %q, want %q", tt.age, got, tt.want)
		}
	}
}

func TestMonitorModel_WaitsForStatus(t *testing.T) {
	m := newMonitorModel("Serial: a", "Serial: b", relay.DefaultReplayPolicy(), true)
	view := m.View()
	if !strings.Contains(view, "Waiting for STATUS packet") {
		t.Errorf("view should wait for STATUS:\n%s", view)
	}
	if !strings.Contains(view, "(no packets yet)") {
		t.Errorf("view should show an empty tracker:\n%s", view)
	}
}

func TestMonitorModel_Snapshot(t *testing.T) {
	m := newMonitorModel("Serial: a", "Serial: b", relay.DefaultReplayPolicy(), true)

	updated, _ := m.Update(snapshotMsg{
		stats:  relay.Statistics{PacketsFramed: 10, PacketsForwarded: 9, PacketsDropped: 1},
		status: bms.Status(bms.StatusCharging),
		seen:   true,
		entries: []relay.Entry{
			{Type: bms.TypeStatus, LastSeen: 900, Seen: 10},
			{Type: bms.TypeSerialNumber, LastSeen: 0, Seen: 1},
		},
		now: 1000,
	})
	m = updated.(monitorModel)

	if rows := m.tracker.Rows(); len(rows) != 2 {
		t.Fatalf("tracker rows = %d, want 2", len(rows))
	} else {
		if rows[0][1] != "STATUS" || rows[0][4] != "100ms" || rows[0][5] != "500ms" {
			t.Errorf("STATUS row = %v", rows[0])
		}
		if rows[1][5] != "never" {
			t.Errorf("SERIAL_NUMBER deadline = %q, want never", rows[1][5])
		}
	}

	view := m.View()
	if strings.Contains(view, "Waiting for STATUS") {
		t.Errorf("view should show status once seen:\n%s", view)
	}
	if !strings.Contains(view, "Charging") {
		t.Errorf("view missing status flags:\n%s", view)
	}
}

func TestMonitorModel_EventLogCapped(t *testing.T) {
	m := newMonitorModel("a", "b", relay.DefaultReplayPolicy(), true)
	for i := 0; i < 150; i++ {
		updated, _ := m.Update(eventMsg{timestamp: time.Now(), message: "event"})
		m = updated.(monitorModel)
	}
	if len(m.eventLog) != m.maxLogEntries {
		t.Errorf("eventLog = %d entries, want %d", len(m.eventLog), m.maxLogEntries)
	}
}

func TestMonitorModel_QuitsWhenRelayStops(t *testing.T) {
	m := newMonitorModel("a", "b", relay.DefaultReplayPolicy(), true)
	updated, cmd := m.Update(relayDoneMsg{})
	if !updated.(monitorModel).quitting {
		t.Error("model should be quitting")
	}
	if cmd == nil {
		t.Error("expected a quit command")
	}

	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !updated.(monitorModel).quitting || cmd == nil {
		t.Error("'q' should quit")
	}
}

func TestMonitorFeed_NeverBlocks(t *testing.T) {
	feed := newMonitorFeed()
	for i := 0; i < cap(feed.msgs)+10; i++ {
		feed.event("x", false)
	}
	if feed.dropped != 10 {
		t.Errorf("dropped = %d, want 10", feed.dropped)
	}
}

func TestMonitorFeed_RelayEvents(t *testing.T) {
	table := bms.DefaultFrameTable()
	enc := bms.NewEncoder(table)
	n, _ := table.Length(bms.TypeStatus)
	frame, err := enc.Encode(bms.TypeStatus, make([]byte, n-bms.MinFrameLen))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 0x01

	var queue []byte
	var now relay.Millis
	source := relay.SourceFunc(func() (byte, bool) {
		if len(queue) == 0 {
			return 0, false
		}
		b := queue[0]
		queue = queue[1:]
		return b, true
	})
	sink := relay.SinkFunc(func(byte) {})
	clock := relay.ClockFunc(func() relay.Millis { return now })
	r := relay.New(source, sink, clock, relay.DefaultConfig(), zap.NewNop())

	feed := newMonitorFeed()
	if err := feed.attach(r, relay.DefaultReplayPolicy()); err != nil {
		t.Fatalf("attach() error: %v", err)
	}

	queue = append(queue, frame...)
	queue = append(queue, bad...)
	r.Loop()

	now = 600
	r.Loop()

	var events []eventMsg
	for len(feed.msgs) > 0 {
		if ev, ok := (<-feed.msgs).(eventMsg); ok {
			events = append(events, ev)
		}
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if !events[0].isError || !strings.Contains(events[0].message, "bad checksum") {
		t.Errorf("first event = %+v, want bad checksum error", events[0])
	}
	if events[1].isError || !strings.Contains(events[1].message, "STATUS replayed") {
		t.Errorf("second event = %+v, want STATUS replay", events[1])
	}
}
