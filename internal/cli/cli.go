// ============================================================================
// mpdcore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree over the controller
//
// Command Structure:
//   mpdcore                        # Root command
//   ├── run                        # Connect and serve metrics / gRPC
//   ├── send <command>...          # Run commands, print the reply
//   │   └── --remote              # Go through a running `mpdcore run`
//   ├── watch                      # Print events as they are dispatched
//   │   ├── --filter              # Category names, comma separated
//   │   ├── --count               # Exit after N events
//   │   └── --remote
//   ├── status                     # Connection and player status
//   │   └── --remote
//   └── version
//
// Global flags:
//   --config, -c   YAML config file (defaults built in when omitted)
//   --host, --port, --mode, --password, --timeout
//
// Resolution order: defaults < config file < MPD_HOST/MPD_PORT < flags.
//
// Signal Handling:
//   run and watch stop on SIGINT / SIGTERM, then close the controller
//   which disconnects and discards pending jobs.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/mpdcore/internal/config"
	"github.com/ChuLiYu/mpdcore/internal/controller"
	"github.com/ChuLiYu/mpdcore/internal/metrics"
	"github.com/ChuLiYu/mpdcore/internal/server"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

type rootOptions struct {
	configFile string
	conn       connFlags
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "mpdcore",
		Short: "mpdcore: a concurrent client core for the MPD protocol",
		Long: `mpdcore keeps a connection to a music player daemon, turns its
change notifications into events and runs commands from any goroutine.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path")
	addConnFlags(rootCmd.PersistentFlags(), &opts.conn)

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSendCommand(opts))
	rootCmd.AddCommand(buildWatchCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// loadConfig resolves the configuration for cmd.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	o.conn.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a controller whose loop runs until stop is called.
type session struct {
	ctrl *controller.Controller
	stop func()
}

// startSession builds a controller, runs its loop, calls setup (if any)
// and connects.
func startSession(ctx context.Context, cfg *config.Config, setup func(*controller.Controller), opts ...controller.Option) (*session, error) {
	ctrl := controller.New(controller.FromConfig(cfg), opts...)
	if setup != nil {
		setup(ctrl)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(runCtx)
	}()
	s := &session{
		ctrl: ctrl,
		stop: func() {
			ctrl.Close()
			cancel()
			<-done
		},
	}
	if err := ctrl.Connect(ctx); err != nil {
		s.stop()
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", cfg.MPD.Host, cfg.MPD.Port, err)
	}
	return s, nil
}

func dialRemote(addr string) (*server.Client, func(), error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return server.NewClient(cc), func() { _ = cc.Close() }, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the client core and keep it connected",
		Long:  "Connect to the server, log every event and serve metrics and the gRPC control service when enabled.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func runSystem(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := slog.Default()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	logEvents := func(ctrl *controller.Controller) {
		ctrl.RegisterEventHandler(types.All&^types.StatusTimer, func(_ context.Context, ev types.Event) {
			log.Info("event", "mask", ev.Mask, "error", ev.Err)
		})
	}
	s, err := startSession(ctx, cfg, logEvents,
		controller.WithLogger(log),
		controller.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	defer s.stop()

	errc := make(chan error, 2)
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		log.Info("starting metrics server", "addr", addr)
		go func() { errc <- metrics.Serve(ctx, addr, reg) }()
	}

	if cfg.Server.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
		}
		gs := grpc.NewServer()
		server.Register(gs, server.New(s.ctrl, server.WithLogger(log)))
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		go func() { errc <- gs.Serve(lis) }()
		defer gs.Stop()
	}

	fmt.Fprintf(out, "connected to %s:%d (protocol %s, %s mode)\n",
		cfg.MPD.Host, cfg.MPD.Port, s.ctrl.ServerVersion(), s.ctrl.Mode())

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// ============================================================================
// send
// ============================================================================

func buildSendCommand(o *rootOptions) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "send <command> [command...]",
		Short: "Send commands and print the reply",
		Long:  "Each argument is one protocol command. Several arguments are sent as one command list.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				return sendRemote(cmd.Context(), remote, args, cmd.OutOrStdout())
			}
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return sendLocal(cmd.Context(), cfg, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "address of a running `mpdcore run` gRPC server")
	return cmd
}

func sendLocal(ctx context.Context, cfg *config.Config, commands []string, out io.Writer) error {
	// a one-shot command has no use for the status timer
	cfg.Client.StatusInterval = 0
	s, err := startSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.stop()

	var lines []string
	if len(commands) == 1 {
		r, err := s.ctrl.Send(ctx, commands[0])
		if err != nil {
			return err
		}
		lines = r.Lines
	} else {
		r, err := s.ctrl.SendList(ctx, commands...)
		if err != nil {
			return err
		}
		lines = r.Lines
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return nil
}

func sendRemote(ctx context.Context, addr string, commands []string, out io.Writer) error {
	client, closeFn, err := dialRemote(addr)
	if err != nil {
		return err
	}
	defer closeFn()
	for _, c := range commands {
		lines, err := client.Send(ctx, c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}
	return nil
}

// ============================================================================
// watch
// ============================================================================

func buildWatchCommand(o *rootOptions) *cobra.Command {
	var (
		remote string
		filter string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mask := types.All
			if filter != "" {
				m, unknown := types.ParseMask(filter)
				if len(unknown) > 0 {
					return fmt.Errorf("unknown categories: %s", strings.Join(unknown, ", "))
				}
				mask = m
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if remote != "" {
				return watchRemote(ctx, remote, filter, count, cmd.OutOrStdout())
			}
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return watchLocal(ctx, cfg, mask, count, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "address of a running `mpdcore run` gRPC server")
	cmd.Flags().StringVar(&filter, "filter", "", "categories to watch, e.g. player,mixer (default all)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 means run until interrupted)")
	return cmd
}

func watchLocal(ctx context.Context, cfg *config.Config, mask types.Mask, count int, out io.Writer) error {
	events := make(chan types.Event, 64)
	subscribe := func(ctrl *controller.Controller) {
		ctrl.RegisterEventHandler(mask, func(_ context.Context, ev types.Event) {
			select {
			case events <- ev:
			default:
			}
		})
	}
	s, err := startSession(ctx, cfg, subscribe)
	if err != nil {
		return err
	}
	defer s.stop()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			printEvent(out, ev.Mask.String(), errString(ev.Err))
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func watchRemote(ctx context.Context, addr, filter string, count int, out io.Writer) error {
	client, closeFn, err := dialRemote(addr)
	if err != nil {
		return err
	}
	defer closeFn()
	stream, err := client.Events(ctx, filter)
	if err != nil {
		return err
	}
	for seen := 0; count == 0 || seen < count; seen++ {
		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m := ev.AsMap()
		mask, _ := m["mask"].(string)
		msg, _ := m["error"].(string)
		printEvent(out, mask, msg)
	}
	return nil
}

func printEvent(out io.Writer, mask, errMsg string) {
	if errMsg != "" {
		fmt.Fprintf(out, "%s: %s\n", mask, errMsg)
		return
	}
	fmt.Fprintln(out, mask)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ============================================================================
// status / version
// ============================================================================

func buildStatusCommand(o *rootOptions) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection and player status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				return showRemoteStatus(cmd.Context(), remote, cmd.OutOrStdout())
			}
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "address of a running `mpdcore run` gRPC server")
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	cfg.Client.StatusInterval = 0
	s, err := startSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.stop()

	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "server:   %s:%d\n", cfg.MPD.Host, cfg.MPD.Port)
	fmt.Fprintf(out, "protocol: %s\n", s.ctrl.ServerVersion())
	fmt.Fprintf(out, "mode:     %s\n", s.ctrl.Mode())
	printStatusMap(out, st)
	return nil
}

func showRemoteStatus(ctx context.Context, addr string, out io.Writer) error {
	client, closeFn, err := dialRemote(addr)
	if err != nil {
		return err
	}
	defer closeFn()
	doc, err := client.Status(ctx)
	if err != nil {
		return err
	}
	m := doc.AsMap()
	fmt.Fprintf(out, "connected: %v\n", m["connected"])
	fmt.Fprintf(out, "state:     %v\n", m["state"])
	fmt.Fprintf(out, "mode:      %v\n", m["mode"])
	fmt.Fprintf(out, "protocol:  %v\n", m["server_version"])
	if e, _ := m["last_error"].(string); e != "" {
		fmt.Fprintf(out, "error:     %s\n", e)
	}
	if st, ok := m["status"].(map[string]any); ok {
		flat := make(map[string]string, len(st))
		for k, v := range st {
			flat[k] = fmt.Sprint(v)
		}
		printStatusMap(out, flat)
	}
	return nil
}

func printStatusMap(out io.Writer, st map[string]string) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, st[k])
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "mpdcore %s\n", Version)
			return nil
		},
	}
}

// Execute runs the CLI and maps errors to an exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}
