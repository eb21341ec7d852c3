package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

const device = telemetry.DeviceID(0xD1)

// fakeClient records batches and answers with scripted acks.
type fakeClient struct {
	mu sync.Mutex

	// accept caps the accepted count of every batch; <0 accepts all.
	accept int
	// confirmAll makes Confirm report every key as durable.
	confirmAll bool
	// extra is returned by Confirm in addition.
	extra []telemetry.RowKey
	// lost holds sequences the collector no longer has; sending them again
	// restores them.
	lost map[uint32]bool
	err  error

	batches  [][]telemetry.Record
	confirms [][]telemetry.RowKey
}

func (f *fakeClient) SendBatch(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Ack{}, f.err
	}
	f.batches = append(f.batches, rows)
	for _, r := range rows {
		delete(f.lost, r.Sequence)
	}

	n := len(rows)
	if f.accept >= 0 && f.accept < n {
		n = f.accept
	}
	return Ack{Accepted: uint32(n)}, nil
}

func (f *fakeClient) Confirm(ctx context.Context, kind telemetry.Kind, keys []telemetry.RowKey) ([]telemetry.RowKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.confirms = append(f.confirms, keys)

	var out []telemetry.RowKey
	if f.confirmAll {
		for _, k := range keys {
			if !f.lost[k.Sequence] {
				out = append(out, k)
			}
		}
	}
	return append(out, f.extra...), nil
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "relay.db")
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendIMU(t *testing.T, a *store.Allocator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := a.Append(context.Background(), telemetry.Record{
			Kind:        telemetry.KindIMU,
			Device:      device,
			CaptureTime: time.UnixMicro(1_700_000_000_000_000 + int64(i)*100_000),
			IMU:         &telemetry.IMUPayload{Temperature: telemetry.Float(20)},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.SendTimeout = time.Second
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	return cfg
}

func TestPartialAckMarksOnlyPrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	appendIMU(t, store.NewAllocator(s), 3)

	client := &fakeClient{accept: 2}
	cfg := testConfig()
	cfg.BatchSize = 3
	co := NewCoordinator(s, client, cfg)

	res, err := co.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Sent != 3 || res.Uploaded != 2 {
		t.Errorf("result = %+v, want sent 3 uploaded 2", res)
	}

	pending, err := s.FetchPending(ctx, telemetry.KindIMU, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LineNo != 3 {
		t.Fatalf("pending = %v, want only line 3", pending)
	}

	// The remaining row is the head of the next batch.
	client.accept = -1
	if _, err := co.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if last := client.batches[len(client.batches)-1]; len(last) != 1 || last[0].LineNo != 3 {
		t.Errorf("second batch = %v, want line 3", last)
	}
	c, _ := s.Counts(ctx, telemetry.KindIMU)
	if c.Pending != 0 {
		t.Errorf("counts = %+v, want nothing pending", c)
	}
}

func TestTransportErrorLeavesRowsPending(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", context.DeadlineExceeded, errors.ErrTimeout},
		{"refused", errors.New("connection refused"), errors.ErrRelayTransport},
		{"already classified", errors.ErrNotAuthenticated, errors.ErrNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			appendIMU(t, store.NewAllocator(s), 5)

			co := NewCoordinator(s, &fakeClient{accept: -1, err: tt.err}, testConfig())

			res, err := co.RunCycle(ctx)
			if err != nil {
				t.Fatalf("RunCycle returned %v, transport errors are not cycle errors", err)
			}
			if !errors.Is(res.TransportErr, tt.want) {
				t.Errorf("TransportErr = %v, want %v", res.TransportErr, tt.want)
			}
			if res.Uploaded != 0 {
				t.Errorf("uploaded %d rows", res.Uploaded)
			}

			c, err := s.Counts(ctx, telemetry.KindIMU)
			if err != nil {
				t.Fatal(err)
			}
			if c.Pending != 5 || c.Unconfirmed != 0 {
				t.Errorf("counts = %+v, want all 5 pending", c)
			}
			if co.Stats().Snapshot().SendErrors != 1 {
				t.Errorf("send errors = %d", co.Stats().Snapshot().SendErrors)
			}
		})
	}
}

func TestConfirmationPass(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	appendIMU(t, store.NewAllocator(s), 4)

	client := &fakeClient{accept: -1}
	co := NewCoordinator(s, client, testConfig())

	// First cycle uploads; the collector has made nothing durable yet.
	if _, err := co.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := s.Counts(ctx, telemetry.KindIMU)
	if c.Pending != 0 || c.Unconfirmed != 4 {
		t.Fatalf("after upload counts = %+v", c)
	}

	client.confirmAll = true
	res, err := co.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Confirmed != 4 {
		t.Errorf("confirmed = %d, want 4", res.Confirmed)
	}

	rows, err := s.Scan(ctx, telemetry.KindIMU, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if !r.Uploaded || !r.Confirmed {
			t.Errorf("line %d uploaded=%v confirmed=%v", r.LineNo, r.Uploaded, r.Confirmed)
		}
	}

	// Nothing left to ask about.
	before := len(client.confirms)
	if _, err := co.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(client.confirms) != before {
		t.Error("confirmation requested with no unconfirmed rows")
	}
}

func TestLostRowsAreSentAgain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	appendIMU(t, store.NewAllocator(s), 6)

	client := &fakeClient{accept: -1}
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.ConfirmRetries = 2
	co := NewCoordinator(s, client, cfg)

	// Upload everything while nothing is durable yet.
	for i := 0; i < 3; i++ {
		if _, err := co.RunCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := s.Counts(ctx, telemetry.KindIMU)
	if c.Pending != 0 || c.Unconfirmed != 6 {
		t.Fatalf("after upload counts = %+v", c)
	}

	// The collector restarted and lost the two oldest rows.
	client.mu.Lock()
	client.confirmAll = true
	client.lost = map[uint32]bool{0: true, 1: true}
	client.mu.Unlock()

	for i := 0; i < 10; i++ {
		if _, err := co.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		c, _ = s.Counts(ctx, telemetry.KindIMU)
		if c.Pending == 0 && c.Unconfirmed == 0 {
			break
		}
	}

	rows, err := s.Scan(ctx, telemetry.KindIMU, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if !r.Confirmed {
			t.Errorf("seq %d not confirmed", r.Sequence)
		}
	}

	sent := map[uint32]int{}
	for _, b := range client.batches {
		for _, r := range b {
			sent[r.Sequence]++
		}
	}
	for seq := uint32(0); seq < 6; seq++ {
		want := 1
		if seq < 2 {
			want = 2
		}
		if sent[seq] != want {
			t.Errorf("seq %d sent %d times, want %d", seq, sent[seq], want)
		}
	}
	if got := co.Stats().Snapshot().RowsResent; got != 2 {
		t.Errorf("resent = %d, want 2", got)
	}
}

func TestUnknownConfirmationIsCounted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	appendIMU(t, store.NewAllocator(s), 2)

	client := &fakeClient{
		accept:     -1,
		confirmAll: true,
		extra:      []telemetry.RowKey{{Kind: telemetry.KindIMU, Device: device, Sequence: 999}},
	}
	co := NewCoordinator(s, client, testConfig())

	// Upload, then confirm with one bogus key.
	for i := 0; i < 2; i++ {
		if _, err := co.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	snap := co.Stats().Snapshot()
	if snap.UnknownRows == 0 {
		t.Error("unknown row not counted")
	}
	if snap.RowsConfirmed != 2 {
		t.Errorf("confirmed = %d, want 2", snap.RowsConfirmed)
	}
}

func TestStorageErrorStopsRun(t *testing.T) {
	s := setupTestStore(t)
	appendIMU(t, store.NewAllocator(s), 1)
	s.Close()

	co := NewCoordinator(s, &fakeClient{accept: -1}, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := co.Run(ctx)
	if !errors.IsStorage(err) {
		t.Fatalf("Run = %v, want a storage error", err)
	}
}

func TestRunRetriesAfterTransportError(t *testing.T) {
	s := setupTestStore(t)
	appendIMU(t, store.NewAllocator(s), 3)

	client := &fakeClient{accept: -1, err: errors.ErrNotConnected}
	co := NewCoordinator(s, client, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- co.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := s.Counts(context.Background(), telemetry.KindIMU)
		if err != nil {
			t.Fatal(err)
		}
		if c.Pending == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}

	c, _ := s.Counts(context.Background(), telemetry.KindIMU)
	if c.Pending != 0 {
		t.Errorf("rows still pending after collector recovered: %+v", c)
	}
	if co.Stats().Snapshot().SendErrors == 0 {
		t.Error("no send errors recorded while collector was down")
	}
}

func TestRecordSendLatency(t *testing.T) {
	st := NewStats()
	for i := 1; i <= 100; i++ {
		st.RecordSend(10, time.Duration(i)*time.Millisecond)
	}

	lat := st.Latency()
	if lat.Count != 100 {
		t.Errorf("count = %d", lat.Count)
	}
	if lat.P50 < 45 || lat.P50 > 55 {
		t.Errorf("p50 = %.2f, want about 50", lat.P50)
	}
	if lat.P99 < 95 || lat.P99 > 101 {
		t.Errorf("p99 = %.2f, want about 99", lat.P99)
	}

	st.ResetLatency()
	if st.Latency().Count != 0 {
		t.Error("latency not reset")
	}
	st.RecordSend(10, 7*time.Millisecond)
	if lat := st.Latency(); lat.Count != 1 || lat.P50 < 6.9 || lat.P50 > 7.1 {
		t.Errorf("after reset latency = %+v, want one 7ms sample", lat)
	}
	if st.Snapshot().RowsSent != 1000 {
		t.Errorf("rows sent = %d", st.Snapshot().RowsSent)
	}
}
