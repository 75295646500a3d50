package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-falcon"
	"github.com/ehrlich-b/go-falcon/internal/config"
	"github.com/ehrlich-b/go-falcon/internal/emu"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
	"github.com/ehrlich-b/go-falcon/ipc"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	count   int
	workers int
	size    int
	queue   int
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "boot an emulated falcon and post echo commands"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags]

Boots the emulated firmware, waits for its INIT message and posts echo
commands from several goroutines. Prints queue metrics when done.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.count, "n", 1000, "commands to post per worker")
	f.IntVar(&r.workers, "workers", 4, "posting goroutines")
	f.IntVar(&r.size, "size", 32, "echo payload bytes")
	f.IntVar(&r.queue, "queue", -1, "command queue id (default: spread over all)")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	logger := args[1].(*logging.Logger)

	if r.workers <= 0 || r.count < 0 || r.size < 0 || r.size > ipc.MaxPayload {
		f.Usage()
		return subcommands.ExitUsageError
	}

	layout, err := cfg.Layout()
	if err != nil {
		return fatalf(logger, "layout: %v", err)
	}

	hw := emu.New(emu.Config{
		ID:          cfg.Falcon.ID,
		DmemSize:    int64(cfg.Falcon.DmemSize),
		EmemSize:    int64(cfg.Falcon.EmemSize),
		SurfaceSize: int64(cfg.Falcon.SurfaceSize),
		EmemStart:   cfg.Registers.EmemStart,
	})
	defer hw.Close()

	fw, err := emu.NewFirmware(hw, layout, emu.Echo, logger)
	if err != nil {
		return fatalf(logger, "firmware: %v", err)
	}
	defer fw.Close()
	if err := fw.Boot(); err != nil {
		return fatalf(logger, "firmware boot: %v", err)
	}

	flcn, err := falcon.New(hw, &falcon.Options{
		Logger:      logger,
		Surface:     hw.Surface(),
		BootTimeout: cfg.Falcon.BootTimeout,
		PostTimeout: cfg.Falcon.PostTimeout,
	})
	if err != nil {
		return fatalf(logger, "falcon: %v", err)
	}
	defer flcn.Close()

	fwCtx, stopFW := context.WithCancel(ctx)
	fwDone := make(chan error, 1)
	go func() { fwDone <- fw.Run(fwCtx) }()
	defer func() {
		stopFW()
		<-fwDone
	}()

	if err := flcn.Boot(ctx, layout.Message); err != nil {
		return fatalf(logger, "boot: %v", err)
	}

	var ids []uint32
	if r.queue >= 0 {
		ids = []uint32{uint32(r.queue)}
	} else {
		for _, s := range layout.Commands {
			ids = append(ids, s.ID)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < r.workers; w++ {
		w := w
		g.Go(func() error {
			return r.post(gctx, flcn, ids[w%len(ids)], byte(w))
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fatalf(logger, "run: %v", err)
	}

	printSummary(flcn.MetricsSnapshot(), fw, r.workers*r.count, elapsed)
	return subcommands.ExitSuccess
}

func (r *runCmd) post(ctx context.Context, flcn *falcon.Falcon, queueID uint32, fill byte) error {
	payload := bytes.Repeat([]byte{fill}, r.size)
	for i := 0; i < r.count; i++ {
		p, err := flcn.Post(ctx, queueID, uapi.UNIT_ECHO, payload)
		if err != nil {
			return fmt.Errorf("post %d on queue %d: %w", i, queueID, err)
		}
		reply, err := p.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait seq %d: %w", p.Seq, err)
		}
		if !bytes.Equal(reply.Payload, payload) {
			return fmt.Errorf("seq %d: echo mismatch", p.Seq)
		}
	}
	return nil
}

func printSummary(s falcon.MetricsSnapshot, fw *emu.Firmware, posted int, elapsed time.Duration) {
	cmds, replies := fw.Stats()
	fmt.Printf("posted:     %d in %v (%.0f cmd/s)\n", posted, elapsed.Round(time.Millisecond),
		float64(posted)/elapsed.Seconds())
	fmt.Printf("firmware:   %d commands, %d replies\n", cmds, replies)
	fmt.Printf("pushes:     %d (%d bytes, %d errors)\n", s.Pushes, s.PushBytes, s.PushErrors)
	fmt.Printf("pops:       %d (%d bytes, %d errors)\n", s.Pops, s.PopBytes, s.PopErrors)
	fmt.Printf("busy:       %d (%.2f%%)\n", s.Busy, s.BusyRate)
	fmt.Printf("rewinds:    %d\n", s.Rewinds)
	fmt.Printf("latency:    avg %v p50 %v p99 %v\n",
		time.Duration(s.AvgLatencyNs), time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns))
}
