// ============================================================================
// mpdcore Controller - application-facing client core
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The controller owns one instance of every moving part and is the only
// thing application code talks to:
//   - Loop:       the dispatch goroutine (Run drives it)
//   - Dispatcher: handler registry, events are delivered on the loop
//   - Connector:  idle-mode or command-mode, picked by Config.Mode
//   - Manager:    prioritised background jobs
//   - statusTimer: synthetic StatusTimer events while the server plays
//
// Event flow:
//
//   server ──changed:──▶ connector ──▶ loop ──▶ dispatcher ──▶ handlers
//                                        ▲
//                    statusTimer ────────┘
//
// The controller keeps a cached copy of the last `status` reply. It is
// refreshed on connect and on every Player change, and decides whether the
// status timer ticks.
//
// Shutdown order (Close):
//   1. remove the status timer source
//   2. close the connector (joins its goroutines, emits Connectivity)
//   3. close the job manager (discards pending jobs, joins the executor)
//
// ============================================================================

package controller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/config"
	"github.com/ChuLiYu/mpdcore/internal/connector"
	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/jobmanager"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// ErrNotConnected is returned by commands issued while disconnected.
var ErrNotConnected = connector.ErrNotConnected

// ============================================================================
// Configuration
// ============================================================================

// Config holds everything the controller needs to reach the server.
type Config struct {
	Host     string
	Port     int
	Timeout  time.Duration
	Mode     string // config.ModeIdle or config.ModeCommand
	Password string

	StatusInterval time.Duration // zero disables the status timer
	PollCeiling    time.Duration
}

// FromConfig maps the file configuration onto a controller Config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Host:           cfg.MPD.Host,
		Port:           cfg.MPD.Port,
		Timeout:        cfg.MPD.Timeout,
		Mode:           cfg.MPD.Mode,
		Password:       cfg.MPD.Password,
		StatusInterval: cfg.Client.StatusInterval,
		PollCeiling:    cfg.Client.PollCeiling,
	}
}

// Metrics is the union of the recorder interfaces of every component plus
// command accounting. metrics.Collector implements it.
type Metrics interface {
	connector.Recorder
	event.Recorder
	jobmanager.Recorder
	RecordCommand(command string, err error, latency time.Duration)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics wires a metrics sink into every component.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// ============================================================================
// Controller
// ============================================================================

// Controller ties the loop, dispatcher, connector and job manager together.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics Metrics

	loop *loop.Loop
	disp *event.Dispatcher
	conn connector.Connector
	jobs *jobmanager.Manager

	statusMu   sync.RWMutex
	lastStatus map[string]string
	playing    atomic.Bool

	timerID   int
	nextTick  time.Time
	closeOnce sync.Once
}

// New builds a controller. Nothing touches the network until Connect.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	c.loop = loop.New(loop.WithLogger(c.log))

	dispOpts := []event.Option{event.WithLogger(c.log)}
	connOpts := []connector.Option{
		connector.WithLogger(c.log),
		connector.WithPassword(cfg.Password),
		connector.WithPollCeiling(cfg.PollCeiling),
	}
	jobOpts := []jobmanager.Option{jobmanager.WithLogger(c.log)}
	if c.metrics != nil {
		dispOpts = append(dispOpts, event.WithRecorder(c.metrics))
		connOpts = append(connOpts, connector.WithRecorder(c.metrics))
		jobOpts = append(jobOpts, jobmanager.WithRecorder(c.metrics))
	}

	c.disp = event.NewDispatcher(dispOpts...)
	if cfg.Mode == config.ModeCommand {
		c.conn = connector.NewCommand(c.loop, c.disp, connOpts...)
	} else {
		c.conn = connector.NewIdle(c.loop, c.disp, connOpts...)
	}
	c.jobs = jobmanager.New(jobmanager.RunFunc, jobOpts...)

	c.disp.Register(types.Player|types.Connectivity, c.onStatusChange)
	if cfg.StatusInterval > 0 {
		c.timerID = c.loop.Add(loop.SourceFuncs{
			ReadyFunc: c.timerReady,
			FireFunc:  c.timerFire,
		}, cfg.StatusInterval)
	}
	return c
}

// Run drives the dispatch loop on the calling goroutine until ctx is done.
// Handlers only run while Run is active.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Debug("dispatch loop starting", "mode", c.conn.Mode())
	err := c.loop.Run(ctx)
	c.log.Debug("dispatch loop stopped", "error", err)
	return err
}

// Connect opens the configured connector.
func (c *Controller) Connect(ctx context.Context) error {
	c.log.Info("connecting", "host", c.cfg.Host, "port", c.cfg.Port, "mode", c.conn.Mode())
	if err := c.conn.Connect(ctx, c.cfg.Host, c.cfg.Port, c.cfg.Timeout); err != nil {
		c.log.Warn("connect failed", "host", c.cfg.Host, "error", err)
		return err
	}
	c.log.Info("connected", "host", c.cfg.Host, "version", c.conn.ServerVersion())
	return nil
}

// Disconnect closes the connection. It is idempotent.
func (c *Controller) Disconnect() {
	c.conn.Disconnect()
	c.playing.Store(false)
}

// IsConnected reports whether the connector is usable.
func (c *Controller) IsConnected() bool { return c.conn.IsConnected() }

// State returns the connector lifecycle state.
func (c *Controller) State() types.ConnState { return c.conn.State() }

// Mode returns "idle" or "command".
func (c *Controller) Mode() string { return c.conn.Mode() }

// ServerVersion returns the protocol version from the greeting.
func (c *Controller) ServerVersion() string { return c.conn.ServerVersion() }

// LastError returns the text of the last connection failure.
func (c *Controller) LastError() string { return c.conn.LastError() }

// Send runs one command and returns its reply. When called from an event
// handler, pass the handler's ctx so the connection held for dispatch is
// reused.
func (c *Controller) Send(ctx context.Context, command string) (protocol.Reply, error) {
	start := time.Now()
	r, err := connector.Send(ctx, c.conn, command)
	c.recordCommand(command, err, start)
	return r, err
}

// SendList runs commands as one command list.
func (c *Controller) SendList(ctx context.Context, commands ...string) (protocol.Reply, error) {
	start := time.Now()
	r, err := connector.SendList(ctx, c.conn, commands...)
	c.recordCommand("command_list", err, start)
	return r, err
}

func (c *Controller) recordCommand(command string, err error, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordCommand(command, err, time.Since(start))
	}
	if err != nil {
		c.log.Debug("command failed", "command", command, "error", err)
	}
}

// Status fetches a fresh `status` reply and updates the cached copy.
func (c *Controller) Status(ctx context.Context) (map[string]string, error) {
	r, err := c.Send(ctx, "status")
	if err != nil {
		return nil, err
	}
	st := r.Map()
	c.storeStatus(st)
	return st, nil
}

// LastStatus returns the cached `status` reply, nil before the first one.
func (c *Controller) LastStatus() map[string]string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.lastStatus == nil {
		return nil
	}
	out := make(map[string]string, len(c.lastStatus))
	for k, v := range c.lastStatus {
		out[k] = v
	}
	return out
}

// Playing reports whether the last status said "state: play".
func (c *Controller) Playing() bool { return c.playing.Load() }

func (c *Controller) storeStatus(st map[string]string) {
	c.statusMu.Lock()
	c.lastStatus = st
	c.statusMu.Unlock()
	c.playing.Store(st["state"] == "play")
}

// ============================================================================
// Events
// ============================================================================

// RegisterEventHandler adds fn for the categories in filter and returns an
// id for UnregisterEventHandler.
func (c *Controller) RegisterEventHandler(filter types.Mask, fn event.HandlerFunc) int {
	return c.disp.Register(filter, fn)
}

// UnregisterEventHandler removes a handler. Unknown ids are ignored.
func (c *Controller) UnregisterEventHandler(id int) {
	c.disp.Unregister(id)
}

func (c *Controller) onStatusChange(ctx context.Context, ev types.Event) {
	if ev.Mask.Has(types.Connectivity) && !c.conn.IsConnected() {
		c.playing.Store(false)
		return
	}
	if _, err := c.Status(ctx); err != nil {
		c.log.Debug("status refresh failed", "error", err)
	}
}

// timerReady runs on the loop goroutine only, so nextTick needs no lock.
func (c *Controller) timerReady() bool {
	if !c.playing.Load() || !c.conn.IsConnected() {
		c.nextTick = time.Time{}
		return false
	}
	now := time.Now()
	if c.nextTick.IsZero() {
		c.nextTick = now.Add(c.cfg.StatusInterval)
		return false
	}
	return !now.Before(c.nextTick)
}

func (c *Controller) timerFire() {
	c.nextTick = time.Now().Add(c.cfg.StatusInterval)
	c.disp.Dispatch(context.Background(), types.Event{Mask: types.StatusTimer})
}

// ============================================================================
// Jobs
// ============================================================================

// SubmitJob queues fn at priority (lower runs first). fn should poll its
// cancel flag and return early once it is set.
func (c *Controller) SubmitJob(priority int, fn jobmanager.Func) (types.JobID, error) {
	id, err := c.jobs.Submit(priority, fn)
	if err != nil {
		return id, err
	}
	c.log.Debug("job submitted", "job_id", id, "priority", priority)
	return id, nil
}

// WaitJob blocks until job id has a result.
func (c *Controller) WaitJob(id types.JobID) { c.jobs.WaitFor(id) }

// WaitJobs blocks until every submitted job has finished.
func (c *Controller) WaitJobs() { c.jobs.Wait() }

// JobResult returns the result of a finished job, nil otherwise.
func (c *Controller) JobResult(id types.JobID) any { return c.jobs.Result(id) }

// JobStatus reports where job id is in its lifecycle.
func (c *Controller) JobStatus(id types.JobID) types.JobStatus { return c.jobs.Status(id) }

// JobStats returns a snapshot of the job manager.
func (c *Controller) JobStats() types.JobStats { return c.jobs.Stats() }

// ============================================================================
// Shutdown
// ============================================================================

// Close disconnects and stops the job manager. It is idempotent. The loop
// keeps running until the ctx given to Run is done.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.log.Info("closing controller")
		if c.timerID != 0 {
			c.loop.Remove(c.timerID)
		}
		c.conn.Close()
		c.playing.Store(false)
		c.jobs.Close()
		c.log.Info("controller closed")
	})
}
