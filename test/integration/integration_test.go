//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/go-falcon"
	"github.com/ehrlich-b/go-falcon/internal/emu"
	"github.com/ehrlich-b/go-falcon/internal/engine"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/mmio"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

const ememStart = 0x01000000

// rig is a booted host falcon talking to emulated firmware
type rig struct {
	hw   *emu.Falcon
	fw   *emu.Firmware
	flcn *falcon.Falcon
}

func startRig(t *testing.T, layout falcon.Layout) *rig {
	t.Helper()
	logger := logging.Nop()

	hw := emu.New(emu.Config{ID: 1, EmemStart: ememStart})
	fw, err := emu.NewFirmware(hw, layout, emu.Echo, logger)
	if err != nil {
		t.Fatalf("NewFirmware failed: %v", err)
	}
	if err := fw.Boot(); err != nil {
		t.Fatalf("firmware Boot failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Run(ctx) }()

	flcn, err := falcon.New(hw, &falcon.Options{Logger: logger, Surface: hw.Surface()})
	if err != nil {
		t.Fatalf("falcon.New failed: %v", err)
	}
	if err := flcn.Boot(context.Background(), layout.Message); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	t.Cleanup(func() {
		flcn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("firmware Run failed: %v", err)
		}
		fw.Close()
		hw.Close()
	})
	return &rig{hw: hw, fw: fw, flcn: flcn}
}

func (r *rig) echo(ctx context.Context, queueID uint32, payload []byte) error {
	p, err := r.flcn.Post(ctx, queueID, uapi.UNIT_ECHO, payload)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	reply, err := p.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait seq %d: %w", p.Seq, err)
	}
	if reply.Hdr.SeqID != p.Seq {
		return fmt.Errorf("reply seq %d, want %d", reply.Hdr.SeqID, p.Seq)
	}
	if !bytes.Equal(reply.Payload, payload) {
		return fmt.Errorf("seq %d: payload %q, want %q", p.Seq, reply.Payload, payload)
	}
	return nil
}

func msgQueue(size uint32) falcon.QueueSpec {
	return falcon.QueueSpec{ID: falcon.DefaultMsgQueue, Direction: falcon.Read, Type: falcon.DMEM,
		Offset: 0xa00, Size: size}
}

func TestIntegrationLayouts(t *testing.T) {
	tests := []struct {
		name   string
		layout falcon.Layout
	}{
		{name: "dmem", layout: falcon.DefaultLayout()},
		{
			name: "emem",
			layout: falcon.Layout{
				Commands: []falcon.QueueSpec{
					{ID: 2, Index: 0, Direction: falcon.Write, Type: falcon.EMEM, Offset: ememStart, Size: 0x100},
					{ID: 3, Index: 1, Direction: falcon.Write, Type: falcon.EMEM, Offset: ememStart + 0x100, Size: 0x80},
				},
				Message: msgQueue(0x100),
			},
		},
		{
			name: "fb",
			layout: falcon.Layout{
				Commands: []falcon.QueueSpec{
					{ID: 0, Index: 0, Direction: falcon.Write, Type: falcon.FB, Size: 8,
						ElementSize: falcon.DefaultFBElementSize},
					{ID: 1, Index: 1, Direction: falcon.Write, Type: falcon.FB, Size: 8,
						ElementSize: falcon.DefaultFBElementSize, FBOffset: 0x1000},
				},
				Message: msgQueue(0x100),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := startRig(t, tt.layout)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for i := 0; i < 100; i++ {
				id := tt.layout.Commands[i%len(tt.layout.Commands)].ID
				payload := []byte(fmt.Sprintf("%s command %d", tt.name, i))
				if err := r.echo(ctx, id, payload); err != nil {
					t.Fatalf("echo %d: %v", i, err)
				}
			}

			cmds, replies := r.fw.Stats()
			if cmds != 100 || replies != 100 {
				t.Errorf("firmware saw %d commands, sent %d replies, want 100/100", cmds, replies)
			}
			s := r.flcn.MetricsSnapshot()
			if s.Pushes < 100 {
				t.Errorf("pushes = %d, want at least 100", s.Pushes)
			}
			if s.PushErrors != 0 || s.PopErrors != 0 {
				t.Errorf("errors: push %d pop %d", s.PushErrors, s.PopErrors)
			}
		})
	}
}

// Small rings force writer rewinds and Busy retries under contention
func TestIntegrationStress(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	layout := falcon.Layout{
		Commands: []falcon.QueueSpec{
			{ID: 0, Index: 0, Direction: falcon.Write, Type: falcon.DMEM, Offset: 0x800, Size: 0x40},
			{ID: 1, Index: 1, Direction: falcon.Write, Type: falcon.DMEM, Offset: 0x840, Size: 0x60},
		},
		Message: msgQueue(0x80),
	}
	r := startRig(t, layout)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := layout.Commands[w%2].ID
			for i := 0; i < perWorker; i++ {
				payload := bytes.Repeat([]byte{byte(w)}, 1+(i%20))
				if err := r.echo(ctx, id, payload); err != nil {
					errs <- fmt.Errorf("worker %d: %w", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	s := r.flcn.MetricsSnapshot()
	if s.Rewinds == 0 {
		t.Error("expected rewinds on small rings")
	}
	t.Logf("pushes=%d pops=%d busy=%d rewinds=%d p99=%v",
		s.Pushes, s.Pops, s.Busy, s.Rewinds, time.Duration(s.LatencyP99Ns))
}

// Queue pointers driven through a mapped register file
func TestIntegrationRegisterAperture(t *testing.T) {
	layout := engine.PMULayout()
	path := filepath.Join(t.TempDir(), "resource0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(layout.End())); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ap, err := mmio.Open(path, 0, int(layout.End()))
	if err != nil {
		t.Fatalf("mmio.Open failed: %v", err)
	}
	defer ap.Close()

	regs, err := engine.New(0, ap, layout, logging.Nop())
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}

	flcn, err := falcon.New(regs, &falcon.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer flcn.Close()

	spec := falcon.DefaultLayout().Message
	q, err := falcon.InitQueue(flcn, spec.Params())
	if err != nil {
		t.Fatalf("InitQueue failed: %v", err)
	}
	defer falcon.Free(flcn, &q)

	head, tail := uint32(0xa40), uint32(0xa00)
	if err := regs.QueueHead(spec.ID, spec.Index, &head, true); err != nil {
		t.Fatal(err)
	}
	if err := regs.QueueTail(spec.ID, spec.Index, &tail, true); err != nil {
		t.Fatal(err)
	}

	empty, err := falcon.IsEmpty(flcn, q)
	if err != nil || empty {
		t.Errorf("IsEmpty = %v, %v; want false, nil", empty, err)
	}

	// a reader rewind publishes the ring start as the tail
	if err := falcon.Rewind(flcn, q); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}
	ptrs, err := regs.Dump()
	if err != nil {
		t.Fatal(err)
	}
	msgq := ptrs[len(ptrs)-1]
	if msgq.Head != 0xa40 || msgq.Tail != 0xa00 {
		t.Errorf("msgq registers head=0x%x tail=0x%x", msgq.Head, msgq.Tail)
	}
}

// Read-only dump of a real falcon aperture, e.g.
// FALCON_APERTURE=/sys/bus/pci/devices/0000:01:00.0/resource0
func TestIntegrationHardwareDump(t *testing.T) {
	path := os.Getenv("FALCON_APERTURE")
	if path == "" {
		t.Skip("FALCON_APERTURE not set")
	}
	if os.Getuid() != 0 {
		t.Skip("This test requires root privileges")
	}

	layout := engine.PMULayout()
	ap, err := mmio.Open(path, 0, int(layout.End()))
	if err != nil {
		t.Fatalf("mmio.Open failed: %v", err)
	}
	defer ap.Close()

	regs, err := engine.New(0, ap, layout, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ptrs, err := regs.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	for _, p := range ptrs {
		t.Logf("%s head=0x%08x tail=0x%08x", p.Name, p.Head, p.Tail)
	}
}
