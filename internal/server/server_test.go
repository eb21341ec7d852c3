package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
	"github.com/xtxerr/trucklog/internal/wire"
)

const device = telemetry.DeviceID(0xD1)

func row(seq uint32) telemetry.Record {
	return telemetry.Record{
		Kind:        telemetry.KindGPS,
		LineNo:      int64(seq) + 1,
		Device:      device,
		CaptureTime: time.UnixMilli(1_700_000_000_000 + int64(seq)*1000).UTC(),
		Sequence:    seq,
		GPS:         &telemetry.GPSPayload{Lat: 50, Lon: -5, Status: 0x0C02},
	}
}

func startServer(t *testing.T, cfg *Config, sink Sink) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	s := New(cfg, sink)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, addr, token string) (*wire.Conn, *wire.Envelope) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	w := wire.NewConn(conn)
	if err := w.Write(&wire.Envelope{ID: 1, Hello: &wire.Hello{Token: token, Device: device}}); err != nil {
		t.Fatal(err)
	}
	reply, err := w.Read()
	if err != nil {
		t.Fatalf("hello reply: %v", err)
	}
	return w, reply
}

func request(t *testing.T, w *wire.Conn, env *wire.Envelope) *wire.Envelope {
	t.Helper()
	if err := w.Write(env); err != nil {
		t.Fatal(err)
	}
	resp, err := w.Read()
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != env.ID {
		t.Fatalf("reply id %d, want %d", resp.ID, env.ID)
	}
	return resp
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.IsBlocked("10.0.0.1") {
		t.Error("blocked below the limit")
	}
	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("not blocked at the limit")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("other address blocked")
	}

	rl.Reset("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") || rl.GetFailureCount("10.0.0.1") != 0 {
		t.Error("Reset did not clear failures")
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	defer rl.Stop()

	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Fatal("not blocked")
	}
	time.Sleep(40 * time.Millisecond)
	if rl.IsBlocked("10.0.0.1") {
		t.Error("still blocked after the window")
	}
}

func TestHelloRejectsBadToken(t *testing.T) {
	s := startServer(t, &Config{Tokens: []string{"good"}, HelloFailuresPerMinute: 2}, NewMemorySink())

	_, reply := dial(t, s.Addr(), "bad")
	if reply.Error == nil || !errors.Is(reply.Error.Err(), errors.ErrNotAuthenticated) {
		t.Fatalf("reply = %+v, want not authenticated", reply)
	}

	_, reply = dial(t, s.Addr(), "good")
	if reply.Hello == nil {
		t.Fatalf("reply = %+v, want hello", reply)
	}

	if s.Stats().HelloFailures.Load() != 1 {
		t.Errorf("hello failures = %d", s.Stats().HelloFailures.Load())
	}
}

func TestBatchDedupAndConfirm(t *testing.T) {
	sink := NewMemorySink()
	s := startServer(t, &Config{}, sink)
	w, reply := dial(t, s.Addr(), "")
	if reply.Hello == nil {
		t.Fatalf("hello reply = %+v", reply)
	}

	batch := &wire.Batch{Kind: telemetry.KindGPS, Rows: []telemetry.Record{row(0), row(1), row(2)}}
	resp := request(t, w, &wire.Envelope{ID: 2, Batch: batch})
	if resp.Ack == nil || resp.Ack.Accepted != 3 {
		t.Fatalf("ack = %+v", resp)
	}

	// Resending after a lost ack must not duplicate rows.
	resp = request(t, w, &wire.Envelope{ID: 3, Batch: batch})
	if resp.Ack.Accepted != 3 {
		t.Errorf("resend accepted %d", resp.Ack.Accepted)
	}
	if sink.Len() != 3 || sink.Duplicates() != 3 {
		t.Errorf("sink len %d duplicates %d", sink.Len(), sink.Duplicates())
	}

	keys := []telemetry.RowKey{row(1).Key(), {Kind: telemetry.KindGPS, Device: device, Sequence: 77}}
	resp = request(t, w, &wire.Envelope{ID: 4, Confirm: &wire.Confirm{Kind: telemetry.KindGPS, Keys: keys}})
	if resp.Confirmed == nil || len(resp.Confirmed.Keys) != 1 || resp.Confirmed.Keys[0] != keys[0] {
		t.Errorf("confirmed = %+v", resp.Confirmed)
	}
}

func TestPartialAcceptAndConfirmOnAck(t *testing.T) {
	s := startServer(t, &Config{MaxAcceptPerBatch: 2, ConfirmOnAck: true}, NewMemorySink())
	w, _ := dial(t, s.Addr(), "")

	batch := &wire.Batch{Kind: telemetry.KindGPS, Rows: []telemetry.Record{row(0), row(1), row(2)}}
	resp := request(t, w, &wire.Envelope{ID: 2, Batch: batch})
	if resp.Ack.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", resp.Ack.Accepted)
	}
	if len(resp.Ack.Confirmed) != 2 || resp.Ack.Confirmed[1] != row(1).Key() {
		t.Errorf("confirmed = %v", resp.Ack.Confirmed)
	}
}

func TestUnexpectedMessage(t *testing.T) {
	s := startServer(t, &Config{}, NewMemorySink())
	w, _ := dial(t, s.Addr(), "")

	resp := request(t, w, &wire.Envelope{ID: 9, Ack: &wire.Ack{}})
	if resp.Error == nil || resp.Error.Code != errors.CodeProtocol {
		t.Errorf("reply = %+v, want protocol error", resp)
	}
}

func TestStoreSink(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "collector.db")
	st, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	sink := NewStoreSink(st)

	rows := []telemetry.Record{row(5), row(6)}
	rows[0].Uploaded = true

	for i := 0; i < 2; i++ {
		n, err := sink.Accept(ctx, telemetry.KindGPS, rows)
		if err != nil || n != 2 {
			t.Fatalf("Accept #%d = %d, %v", i, n, err)
		}
	}
	if sink.Duplicates() != 2 {
		t.Errorf("duplicates = %d", sink.Duplicates())
	}

	c, err := st.Counts(ctx, telemetry.KindGPS)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 2 || c.Pending != 2 {
		t.Errorf("counts = %+v", c)
	}

	durable, err := sink.Durable(ctx, []telemetry.RowKey{row(6).Key(), row(7).Key()})
	if err != nil {
		t.Fatal(err)
	}
	if len(durable) != 1 || durable[0] != row(6).Key() {
		t.Errorf("durable = %v", durable)
	}
}
