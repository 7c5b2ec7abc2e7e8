// Command demo connects to a server and shows events, commands from
// several goroutines and prioritised jobs working together.
//
//	go run ./cmd/demo [config.yaml]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/config"
	"github.com/ChuLiYu/mpdcore/internal/controller"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(controller.FromConfig(cfg))
	ctrl.RegisterEventHandler(types.All&^types.StatusTimer, func(_ context.Context, ev types.Event) {
		if ev.Err != nil {
			fmt.Printf("event  %-20s %v\n", ev.Mask, ev.Err)
			return
		}
		fmt.Printf("event  %s\n", ev.Mask)
	})
	var ticks atomic.Int64
	ctrl.RegisterEventHandler(types.StatusTimer, func(context.Context, types.Event) { ticks.Add(1) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	defer func() {
		ctrl.Close()
		stop()
		<-done
	}()

	if err := ctrl.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	fmt.Printf("✓ Connected to %s:%d (protocol %s, %s mode)\n",
		cfg.MPD.Host, cfg.MPD.Port, ctrl.ServerVersion(), ctrl.Mode())

	// A slow background scan at low urgency; it gives up once something
	// more urgent is submitted.
	scan, _ := ctrl.SubmitJob(10, func(cancel *atomic.Bool) any {
		polls := 0
		for !cancel.Load() && polls < 20 {
			if _, err := ctrl.Send(ctx, "status"); err != nil {
				return err
			}
			polls++
			time.Sleep(50 * time.Millisecond)
		}
		return fmt.Sprintf("%d polls (cancelled=%v)", polls, cancel.Load())
	})

	// An urgent job pre-empts it.
	urgent, _ := ctrl.SubmitJob(0, func(*atomic.Bool) any {
		st, err := ctrl.Status(ctx)
		if err != nil {
			return err
		}
		return "volume " + st["volume"] + ", state " + st["state"]
	})

	ctrl.WaitJobs()
	fmt.Printf("✓ scan job   -> %v\n", ctrl.JobResult(scan))
	fmt.Printf("✓ urgent job -> %v\n", ctrl.JobResult(urgent))

	stats := ctrl.JobStats()
	fmt.Printf("📊 Jobs: pending=%d last_submitted=%d last_finished=%d\n",
		stats.Pending, stats.LastSubmitted, stats.LastFinished)

	fmt.Println("\n💡 Change something on the server (play, volume, playlist) to see events. Ctrl+C to quit.")
	<-ctx.Done()
	fmt.Printf("\nReceived shutdown signal after %d status ticks\n", ticks.Load())
}
