// Package metrics exposes pipeline state to Prometheus.
//
// Values are read from the components' own counters at scrape time; nothing
// in the capture or relay path touches Prometheus types.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/trucklog/internal/capture"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/relay"
	"github.com/xtxerr/trucklog/internal/server"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

var log = logging.Component("metrics")

const namespace = "trucklog"

// Sources names what a Collector reads. Nil members are skipped.
type Sources struct {
	Store     *store.Store
	Capture   map[telemetry.Kind]*capture.Stats
	Relay     *relay.Coordinator
	Collector *server.Server
}

var (
	rowsDesc = prometheus.NewDesc(namespace+"_store_rows",
		"Rows in the local store by lifecycle state.", []string{"kind", "state"}, nil)
	lastLineDesc = prometheus.NewDesc(namespace+"_store_last_line_no",
		"Highest line number in the local store.", []string{"kind"}, nil)
	storeUpDesc = prometheus.NewDesc(namespace+"_store_up",
		"Whether the local store answered the last scrape.", nil, nil)

	capturesDesc = prometheus.NewDesc(namespace+"_captures_total",
		"Capture cycles by outcome.", []string{"kind", "outcome"}, nil)

	relayCyclesDesc = prometheus.NewDesc(namespace+"_relay_cycles_total",
		"Relay cycles run.", nil, nil)
	relayRowsDesc = prometheus.NewDesc(namespace+"_relay_rows_total",
		"Rows by relay transition.", []string{"transition"}, nil)
	relayErrorsDesc = prometheus.NewDesc(namespace+"_relay_send_errors_total",
		"Batches or confirmation requests that failed in transport.", nil, nil)
	relayUnknownDesc = prometheus.NewDesc(namespace+"_relay_unknown_rows_total",
		"Collector references to rows the store does not hold.", nil, nil)
	relayLatencyDesc = prometheus.NewDesc(namespace+"_relay_round_trip_ms",
		"Batch round trip latency percentiles.", []string{"quantile"}, nil)
	backlogLevelDesc = prometheus.NewDesc(namespace+"_relay_backlog_level",
		"Backlog level: 0 normal, 1 warning, 2 critical, 3 emergency.", nil, nil)
	backlogUsageDesc = prometheus.NewDesc(namespace+"_relay_backlog_usage_ratio",
		"Pending rows as a fraction of the backlog capacity.", nil, nil)

	collectorRowsDesc = prometheus.NewDesc(namespace+"_collector_rows_total",
		"Rows seen by the collector.", []string{"state"}, nil)
	collectorBatchesDesc = prometheus.NewDesc(namespace+"_collector_batches_total",
		"Batches handled by the collector.", nil, nil)
	collectorHelloFailDesc = prometheus.NewDesc(namespace+"_collector_hello_failures_total",
		"Rejected hellos.", nil, nil)
)

// Collector is a prometheus.Collector over Sources.
type Collector struct {
	src     Sources
	timeout time.Duration
}

// NewCollector creates a collector.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src, timeout: 5 * time.Second}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		rowsDesc, lastLineDesc, storeUpDesc, capturesDesc,
		relayCyclesDesc, relayRowsDesc, relayErrorsDesc, relayUnknownDesc,
		relayLatencyDesc, backlogLevelDesc, backlogUsageDesc,
		collectorRowsDesc, collectorBatchesDesc, collectorHelloFailDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Store != nil {
		c.collectStore(ch)
	}

	for kind, st := range c.src.Capture {
		snap := st.Snapshot()
		k := kind.String()
		ch <- prometheus.MustNewConstMetric(capturesDesc, prometheus.CounterValue, float64(snap.Captured), k, "captured")
		ch <- prometheus.MustNewConstMetric(capturesDesc, prometheus.CounterValue, float64(snap.NotReady), k, "not_ready")
		ch <- prometheus.MustNewConstMetric(capturesDesc, prometheus.CounterValue, float64(snap.Skipped), k, "skipped")
		ch <- prometheus.MustNewConstMetric(capturesDesc, prometheus.CounterValue, float64(snap.Failed), k, "failed")
	}

	if c.src.Relay != nil {
		c.collectRelay(ch)
	}

	if c.src.Collector != nil {
		st := c.src.Collector.Stats()
		ch <- prometheus.MustNewConstMetric(collectorRowsDesc, prometheus.CounterValue, float64(st.RowsReceived.Load()), "received")
		ch <- prometheus.MustNewConstMetric(collectorRowsDesc, prometheus.CounterValue, float64(st.RowsAccepted.Load()), "accepted")
		ch <- prometheus.MustNewConstMetric(collectorBatchesDesc, prometheus.CounterValue, float64(st.Batches.Load()))
		ch <- prometheus.MustNewConstMetric(collectorHelloFailDesc, prometheus.CounterValue, float64(st.HelloFailures.Load()))
	}
}

func (c *Collector) collectStore(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	up := 1.0
	for _, kind := range telemetry.Kinds() {
		counts, err := c.src.Store.Counts(ctx, kind)
		if err != nil {
			log.Warn("store counts unavailable", "kind", kind.String(), "error", err)
			up = 0
			continue
		}
		k := kind.String()
		confirmed := counts.Total - counts.Pending - counts.Unconfirmed
		ch <- prometheus.MustNewConstMetric(rowsDesc, prometheus.GaugeValue, float64(counts.Pending), k, "pending")
		ch <- prometheus.MustNewConstMetric(rowsDesc, prometheus.GaugeValue, float64(counts.Unconfirmed), k, "uploaded")
		ch <- prometheus.MustNewConstMetric(rowsDesc, prometheus.GaugeValue, float64(confirmed), k, "confirmed")
		ch <- prometheus.MustNewConstMetric(lastLineDesc, prometheus.GaugeValue, float64(counts.MaxLineNo), k)
	}
	ch <- prometheus.MustNewConstMetric(storeUpDesc, prometheus.GaugeValue, up)
}

func (c *Collector) collectRelay(ch chan<- prometheus.Metric) {
	snap := c.src.Relay.Stats().Snapshot()
	ch <- prometheus.MustNewConstMetric(relayCyclesDesc, prometheus.CounterValue, float64(snap.Cycles))
	ch <- prometheus.MustNewConstMetric(relayRowsDesc, prometheus.CounterValue, float64(snap.RowsSent), "sent")
	ch <- prometheus.MustNewConstMetric(relayRowsDesc, prometheus.CounterValue, float64(snap.RowsUploaded), "uploaded")
	ch <- prometheus.MustNewConstMetric(relayRowsDesc, prometheus.CounterValue, float64(snap.RowsConfirmed), "confirmed")
	ch <- prometheus.MustNewConstMetric(relayRowsDesc, prometheus.CounterValue, float64(snap.RowsResent), "resent")
	ch <- prometheus.MustNewConstMetric(relayErrorsDesc, prometheus.CounterValue, float64(snap.SendErrors))
	ch <- prometheus.MustNewConstMetric(relayUnknownDesc, prometheus.CounterValue, float64(snap.UnknownRows))

	if snap.Latency.Count > 0 {
		ch <- prometheus.MustNewConstMetric(relayLatencyDesc, prometheus.GaugeValue, snap.Latency.P50, "0.5")
		ch <- prometheus.MustNewConstMetric(relayLatencyDesc, prometheus.GaugeValue, snap.Latency.P90, "0.9")
		ch <- prometheus.MustNewConstMetric(relayLatencyDesc, prometheus.GaugeValue, snap.Latency.P99, "0.99")
	}

	bl := c.src.Relay.Backlog().Stats()
	ch <- prometheus.MustNewConstMetric(backlogLevelDesc, prometheus.GaugeValue, float64(bl.CurrentLevel))
	ch <- prometheus.MustNewConstMetric(backlogUsageDesc, prometheus.GaugeValue, bl.Usage)
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Serve serves /metrics from reg on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
