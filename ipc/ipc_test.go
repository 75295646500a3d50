package ipc_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-falcon/internal/ctrl"
	"github.com/ehrlich-b/go-falcon/internal/emu"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
	"github.com/ehrlich-b/go-falcon/ipc"
)

type rig struct {
	falcon *emu.Falcon
	host   *ctrl.Controller
	fw     *emu.Firmware
	d      *ipc.Dispatcher
}

func newRig(t *testing.T, layout ctrl.Layout) *rig {
	t.Helper()

	f := emu.New(emu.Config{ID: 1})
	host := ctrl.NewController(f, &ctrl.Options{Surface: f.Surface(), Logger: logging.Nop()})
	require.NoError(t, host.BuildLayout(layout))

	fw, err := emu.NewFirmware(f, layout, nil, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, fw.Boot())

	msgq, ok := host.Queue(layout.Message.ID)
	require.True(t, ok)
	d, err := ipc.NewDispatcher(host.Queues(queue.Write), msgq, &ipc.Options{Logger: logging.Nop()})
	require.NoError(t, err)

	t.Cleanup(func() {
		d.Close()
		fw.Close()
		host.Close()
		f.Close()
	})
	return &rig{falcon: f, host: host, fw: fw, d: d}
}

// ringPair returns a write and a read view of the same DMEM ring
func ringPair(t *testing.T, f *emu.Falcon, size uint32) (w, r *queue.Queue) {
	t.Helper()
	spec := ctrl.QueueSpec{ID: 2, Direction: queue.Write, Type: queue.DMEM, Offset: 0x400, Size: size}
	f.SetPointers(spec.ID, spec.Index, spec.Offset, spec.Offset)

	c := ctrl.NewController(f, &ctrl.Options{Logger: logging.Nop()})
	require.NoError(t, c.Build([]ctrl.QueueSpec{spec}))
	w, _ = c.Queue(spec.ID)

	p := spec.Reverse().Params()
	p.Logger = logging.Nop()
	r, err := queue.New(f, p)
	require.NoError(t, err)

	t.Cleanup(func() {
		r.Free()
		c.Close()
	})
	return w, r
}

func fbLayout() ctrl.Layout {
	return ctrl.Layout{
		Commands: []ctrl.QueueSpec{{ID: 0, Direction: queue.Write, Type: queue.FB,
			Size: 4, ElementSize: 0x80, FBOffset: 0}},
		Message: ctrl.QueueSpec{ID: 4, Direction: queue.Read, Type: queue.FB,
			Size: 8, ElementSize: 0x80, FBOffset: 0x200},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	f := emu.New(emu.Config{})
	defer f.Close()
	w, r := ringPair(t, f, 0x100)

	hdr := uapi.CmdHdr{UnitID: uapi.UNIT_ECHO, CtrlFlags: uapi.CMD_FLAGS_STATUS, SeqID: 5}
	require.NoError(t, ipc.WriteMessage(w, hdr, []byte("hello")))

	m, ok, err := ipc.ReadMessage(r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(9), m.Hdr.Size)
	assert.Equal(t, uint8(5), m.Hdr.SeqID)
	assert.Equal(t, []byte("hello"), m.Payload)

	_, ok, err = ipc.ReadMessage(r)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageAcrossRewind(t *testing.T) {
	f := emu.New(emu.Config{})
	defer f.Close()
	w, r := ringPair(t, f, 0x40)

	var seq uint8
	for round := 0; round < 10; round++ {
		var sent [][]byte
		for i := 0; i < 3; i++ {
			payload := bytes.Repeat([]byte{seq}, 5)
			hdr := uapi.CmdHdr{UnitID: uapi.UNIT_ECHO, SeqID: seq}
			require.NoError(t, ipc.WriteMessage(w, hdr, payload))
			sent = append(sent, payload)
			seq++
		}
		for i, want := range sent {
			m, ok, err := ipc.ReadMessage(r)
			require.NoError(t, err, "round %d message %d", round, i)
			require.True(t, ok, "round %d message %d", round, i)
			assert.Equal(t, want, m.Payload)
		}
	}

	// 30 records of 12 bytes each wrapped a 64 byte ring several times
	empty, err := r.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestWriteMessageTooLarge(t *testing.T) {
	f := emu.New(emu.Config{})
	defer f.Close()
	w, _ := ringPair(t, f, 0x400)

	err := ipc.WriteMessage(w, uapi.CmdHdr{UnitID: uapi.UNIT_ECHO}, make([]byte, ipc.MaxPayload+1))
	assert.True(t, fault.IsCode(err, fault.CodeInvalidArgument))
}

func TestReadMessageRejectsBadHeader(t *testing.T) {
	f := emu.New(emu.Config{})
	defer f.Close()
	w, r := ringPair(t, f, 0x100)

	// a record claiming to be shorter than its own header
	require.NoError(t, w.Push([]byte{uapi.UNIT_ECHO, 2, 0, 0}))
	_, ok, err := ipc.ReadMessage(r)
	assert.False(t, ok)
	assert.True(t, fault.IsCode(err, fault.CodeIOError))
}

func TestNewDispatcherValidation(t *testing.T) {
	f := emu.New(emu.Config{})
	defer f.Close()
	w, r := ringPair(t, f, 0x100)

	_, err := ipc.NewDispatcher(nil, w, nil)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidArgument))

	_, err = ipc.NewDispatcher([]*queue.Queue{r}, r, nil)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidArgument))
}

func TestDispatcherInitEvent(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)

	n, err := r.d.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case m := <-r.d.Events():
		assert.Equal(t, uint8(uapi.UNIT_INIT), m.Hdr.UnitID)
		specs, err := ctrl.ParseInitMessage(m.Payload)
		require.NoError(t, err)
		assert.Len(t, specs, 3)
	default:
		t.Fatal("INIT message not delivered")
	}

	require.NoError(t, r.fw.Notify(0x20, []byte{1}))
	_, err = r.d.Poll()
	require.NoError(t, err)
	m := <-r.d.Events()
	assert.Equal(t, uint8(0x20), m.Hdr.UnitID)
}

func TestDispatcherEcho(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)
	ctx := context.Background()

	p, err := r.d.Post(ctx, layout.Commands[0].ID, uapi.UNIT_ECHO, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.d.Outstanding())

	_, err = r.fw.Step()
	require.NoError(t, err)
	_, err = r.d.Poll()
	require.NoError(t, err)

	m, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Seq, m.Hdr.SeqID)
	assert.Equal(t, []byte("abc"), m.Payload)
	assert.Zero(t, r.d.Outstanding())
}

func TestDispatcherSequenceIDsAreUnique(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)
	ctx := context.Background()

	seen := make(map[uint8]bool)
	for i := 0; i < 10; i++ {
		p, err := r.d.Post(ctx, layout.Commands[1].ID, uapi.UNIT_ECHO, nil)
		require.NoError(t, err)
		assert.False(t, seen[p.Seq], "seq %d reused while outstanding", p.Seq)
		seen[p.Seq] = true
	}
	assert.Equal(t, 10, r.d.Outstanding())
}

func TestDispatcherPostUnknownQueue(t *testing.T) {
	r := newRig(t, ctrl.DefaultLayout())
	_, err := r.d.Post(context.Background(), 9, uapi.UNIT_ECHO, nil)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidArgument))
}

func TestDispatcherBusyTimesOut(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)

	// no firmware: the command ring fills up
	ctx := context.Background()
	var posted int
	for {
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		_, err := r.d.Post(short, layout.Commands[0].ID, uapi.UNIT_ECHO, make([]byte, 8))
		cancel()
		if err != nil {
			assert.True(t, ipc.IsTimeout(err), "got %v", err)
			break
		}
		posted++
		require.Less(t, posted, 64)
	}
	assert.Equal(t, posted, r.d.Outstanding(), "failed post must release its sequence id")
}

func TestDispatcherNonBusyErrorNotRetried(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)

	r.falcon.Inject(emu.OpDmemCopy, assert.AnError)
	start := time.Now()
	_, err := r.d.Post(context.Background(), layout.Commands[0].ID, uapi.UNIT_ECHO, []byte{1})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeIOError))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, r.d.Outstanding())
}

func TestDispatcherFBReleasesElements(t *testing.T) {
	layout := fbLayout()
	r := newRig(t, layout)
	ctx := context.Background()

	// more commands than elements: each reply frees its element
	for i := 0; i < 12; i++ {
		payload := []byte{byte(i)}
		p, err := r.d.Post(ctx, 0, uapi.UNIT_ECHO, payload)
		require.NoError(t, err, "post %d", i)

		_, err = r.fw.Step()
		require.NoError(t, err)
		_, err = r.d.Poll()
		require.NoError(t, err)

		m, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, payload, m.Payload)
	}

	cmdq, _ := r.host.Queue(0)
	empty, err := cmdq.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDispatcherFBFull(t *testing.T) {
	layout := fbLayout()
	r := newRig(t, layout)

	// 4 elements hold 3 outstanding commands
	for i := 0; i < 3; i++ {
		_, err := r.d.Post(context.Background(), 0, uapi.UNIT_ECHO, nil)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.d.Post(ctx, 0, uapi.UNIT_ECHO, nil)
	assert.True(t, ipc.IsTimeout(err))
}

func TestDispatcherClose(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)
	ctx := context.Background()

	p, err := r.d.Post(ctx, layout.Commands[0].ID, uapi.UNIT_ECHO, nil)
	require.NoError(t, err)

	require.NoError(t, r.d.Close())
	_, err = p.Wait(ctx)
	assert.True(t, fault.IsCode(err, fault.CodeClosed))

	_, err = r.d.Post(ctx, layout.Commands[0].ID, uapi.UNIT_ECHO, nil)
	assert.True(t, fault.IsCode(err, fault.CodeClosed))

	// second close is a no-op
	assert.NoError(t, r.d.Close())
}

func TestPendingWaitTimeout(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)

	p, err := r.d.Post(context.Background(), layout.Commands[0].ID, uapi.UNIT_ECHO, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.True(t, ipc.IsTimeout(err))
}

func TestDispatcherRunConcurrent(t *testing.T) {
	layout := ctrl.DefaultLayout()
	r := newRig(t, layout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); r.fw.Run(ctx) }()
	go func() { defer bg.Done(); r.d.Run(ctx) }()

	const posters, perPoster = 4, 25
	var wg sync.WaitGroup
	for g := 0; g < posters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			qid := layout.Commands[g%len(layout.Commands)].ID
			for i := 0; i < perPoster; i++ {
				payload := []byte{byte(g), byte(i)}
				p, err := r.d.Post(ctx, qid, uapi.UNIT_ECHO, payload)
				if !assert.NoError(t, err) {
					return
				}
				m, err := p.Wait(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, payload, m.Payload)
			}
		}(g)
	}
	wg.Wait()

	cancel()
	bg.Wait()
	assert.Zero(t, r.d.Outstanding())
}
