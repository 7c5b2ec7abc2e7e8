// ============================================================================
// mpdcore Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// The Collector implements the recorder interfaces of the job manager, the
// event dispatcher and the connectors, so each of them stays free of any
// Prometheus import.
//
// Metric families:
//
//   1. Connection (per connector mode):
//      - mpdcore_connected                      gauge, 1 while connected
//      - mpdcore_connectivity_lost_total        counter
//      - mpdcore_idle_transitions_total         counter, direction=enter|leave
//      - mpdcore_pings_total                    counter, result=ok|error
//      - mpdcore_commands_total                 counter, command ("other" when unknown), result
//      - mpdcore_command_latency_seconds        histogram
//
//   2. Events:
//      - mpdcore_events_dispatched_total        counter, category
//      - mpdcore_events_coalesced_total         counter
//
//   3. Jobs:
//      - mpdcore_jobs_submitted_total           counter
//      - mpdcore_jobs_finished_total            counter, cancelled=true|false
//      - mpdcore_jobs_cancel_requested_total    counter
//      - mpdcore_job_latency_seconds            histogram
//      - mpdcore_jobs_pending                   gauge
//
// Query examples:
//
//   # commands per second by outcome
//   sum by (result) (rate(mpdcore_commands_total[1m]))
//
//   # how often running jobs get pre-empted
//   rate(mpdcore_jobs_cancel_requested_total[5m])
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

const namespace = "mpdcore"

// Collector holds every metric.
type Collector struct {
	connected       *prometheus.GaugeVec
	connectivity    *prometheus.CounterVec
	idleTransitions *prometheus.CounterVec
	pings           *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  prometheus.Histogram

	eventsDispatched *prometheus.CounterVec
	eventsCoalesced  prometheus.Counter

	jobsSubmitted       prometheus.Counter
	jobsFinished        *prometheus.CounterVec
	jobsCancelRequested prometheus.Counter
	jobLatency          prometheus.Histogram
	jobsPending         prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the connector is connected",
		}, []string{"mode"}),
		connectivity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_lost_total",
			Help:      "Connections torn down by a transport or protocol error",
		}, []string{"mode"}),
		idleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_transitions_total",
			Help:      "Transitions into and out of idle on the idle-mode connection",
		}, []string{"direction"}),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Keep-alive pings sent on the command connection",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent on behalf of the application",
		}, []string{"command", "result"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Round trip of application commands, lock wait included",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Dispatched events, counted once per category bit",
		}, []string{"category"}),
		eventsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_coalesced_total",
			Help:      "Raw notifications folded into another dispatch",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted to the job manager",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that produced a result",
		}, []string{"cancelled"}),
		jobsCancelRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancel_requested_total",
			Help:      "Running jobs flagged for cancellation by a more urgent submission",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job execution time",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for the executor",
		}),
	}

	reg.MustRegister(
		c.connected,
		c.connectivity,
		c.idleTransitions,
		c.pings,
		c.commands,
		c.commandLatency,
		c.eventsDispatched,
		c.eventsCoalesced,
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobsCancelRequested,
		c.jobLatency,
		c.jobsPending,
	)
	return c
}

// ----------------------------------------------------------------------------
// connector.Recorder
// ----------------------------------------------------------------------------

func (c *Collector) SetConnected(mode string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	c.connected.WithLabelValues(mode).Set(v)
}

func (c *Collector) RecordConnectivityLost(mode string) {
	c.connectivity.WithLabelValues(mode).Inc()
}

func (c *Collector) RecordIdleTransition(entering bool) {
	dir := "leave"
	if entering {
		dir = "enter"
	}
	c.idleTransitions.WithLabelValues(dir).Inc()
}

func (c *Collector) RecordPing(err error) {
	c.pings.WithLabelValues(result(err)).Inc()
}

// otherCommand labels commands the server does not know, so arbitrary
// input cannot grow the label set.
const otherCommand = "other"

// RecordCommand counts one application command. Only the command word is
// used as a label, never its arguments.
func (c *Collector) RecordCommand(command string, err error, latency time.Duration) {
	c.commands.WithLabelValues(commandLabel(command, err), result(err)).Inc()
	c.commandLatency.Observe(latency.Seconds())
}

func commandLabel(command string, err error) string {
	var ack *protocol.AckError
	if errors.As(err, &ack) && ack.Code == protocol.AckUnknown {
		return otherCommand
	}
	name, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	name = strings.ToLower(name)
	if name == "" || len(name) > maxCommandLen {
		return otherCommand
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && r != '_' {
			return otherCommand
		}
	}
	return name
}

// maxCommandLen is longer than any command the server implements.
const maxCommandLen = 32

// ----------------------------------------------------------------------------
// event.Recorder
// ----------------------------------------------------------------------------

func (c *Collector) RecordEventDispatched(mask types.Mask) {
	for _, name := range mask.Names() {
		c.eventsDispatched.WithLabelValues(name).Inc()
	}
}

func (c *Collector) RecordEventsCoalesced(n int) {
	c.eventsCoalesced.Add(float64(n))
}

// ----------------------------------------------------------------------------
// jobmanager.Recorder
// ----------------------------------------------------------------------------

func (c *Collector) RecordJobSubmitted() {
	c.jobsSubmitted.Inc()
}

func (c *Collector) RecordJobCancelRequested() {
	c.jobsCancelRequested.Inc()
}

func (c *Collector) RecordJobFinished(latency time.Duration, cancelled bool) {
	c.jobsFinished.WithLabelValues(strconv.FormatBool(cancelled)).Inc()
	c.jobLatency.Observe(latency.Seconds())
}

func (c *Collector) SetJobsPending(n int) {
	c.jobsPending.Set(float64(n))
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case protocol.IsAck(err):
		return "ack"
	default:
		return "error"
	}
}

// ----------------------------------------------------------------------------
// HTTP exposition
// ----------------------------------------------------------------------------

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
