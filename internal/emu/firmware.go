package emu

import (
	"context"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-falcon/internal/ctrl"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
	"github.com/ehrlich-b/go-falcon/ipc"
)

// Handler computes the reply payload for a command
type Handler func(cmd ipc.Msg) []byte

// Echo answers every command with its own payload
func Echo(cmd ipc.Msg) []byte { return cmd.Payload }

// source yields commands from one command queue
type source interface {
	next() (ipc.Msg, bool, error)
	close()
}

// sink writes messages to the message queue
type sink interface {
	write(hdr uapi.CmdHdr, payload []byte) error
	close()
}

type ringSource struct{ q *queue.Queue }

func (s ringSource) next() (ipc.Msg, bool, error) { return ipc.ReadMessage(s.q) }
func (s ringSource) close()                       { s.q.Free() }

type ringSink struct{ q *queue.Queue }

func (s ringSink) write(hdr uapi.CmdHdr, payload []byte) error {
	return ipc.WriteMessage(s.q, hdr, payload)
}
func (s ringSink) close() { s.q.Free() }

// fbSource reads FB command elements directly from the surface, using the
// queue tail register as its cursor
type fbSource struct {
	f    *Falcon
	spec ctrl.QueueSpec
	buf  []byte
}

func (s *fbSource) next() (ipc.Msg, bool, error) {
	var m ipc.Msg
	var head, tail uint32
	if err := s.f.QueueHead(s.spec.ID, s.spec.Index, &head, false); err != nil {
		return m, false, err
	}
	if err := s.f.QueueTail(s.spec.ID, s.spec.Index, &tail, false); err != nil {
		return m, false, err
	}
	if head == tail {
		return m, false, nil
	}

	off := int64(s.spec.FBOffset) + int64(tail)*int64(s.spec.ElementSize)
	if _, err := s.f.fb.ReadAt(s.buf, off); err != nil {
		return m, false, err
	}

	var fbh uapi.FBQHdr
	if err := uapi.Unmarshal(s.buf, &fbh); err != nil {
		return m, false, err
	}
	if fbh.ElementIndex != tail {
		return m, false, fmt.Errorf("element %d carries index %d", tail, fbh.ElementIndex)
	}
	rec := s.buf[uapi.FBQHdrSize:]
	if err := uapi.Unmarshal(rec, &m.Hdr); err != nil {
		return m, false, err
	}
	if int(m.Hdr.Size) != int(fbh.PayloadSize) || int(m.Hdr.Size) > len(rec) {
		return m, false, fmt.Errorf("element %d: record size %d, element payload %d", tail, m.Hdr.Size, fbh.PayloadSize)
	}
	m.Payload = append([]byte(nil), rec[uapi.CmdHdrSize:m.Hdr.Size]...)

	tail = (tail + 1) % s.spec.Size
	return m, true, s.f.QueueTail(s.spec.ID, s.spec.Index, &tail, true)
}

func (s *fbSource) close() {}

// fbSink writes message elements directly to the surface
type fbSink struct {
	f    *Falcon
	spec ctrl.QueueSpec
}

func (s *fbSink) write(hdr uapi.CmdHdr, payload []byte) error {
	var head, tail uint32
	if err := s.f.QueueHead(s.spec.ID, s.spec.Index, &head, false); err != nil {
		return err
	}
	if err := s.f.QueueTail(s.spec.ID, s.spec.Index, &tail, false); err != nil {
		return err
	}
	next := (head + 1) % s.spec.Size
	if next == tail {
		return fault.NewQueue("WRITE_MSG", s.f.id, s.spec.ID, fault.CodeBusy, "")
	}

	hdr.Size = uint8(uapi.CmdHdrSize + len(payload))
	if uint32(hdr.Size) >= s.spec.ElementSize {
		return fault.NewQueue("WRITE_MSG", s.f.id, s.spec.ID, fault.CodeInvalidArgument, "message exceeds element")
	}
	rec := append(uapi.Marshal(&hdr), payload...)
	off := int64(s.spec.FBOffset) + int64(head)*int64(s.spec.ElementSize)
	if _, err := s.f.fb.WriteAt(rec, off); err != nil {
		return err
	}
	return s.f.QueueHead(s.spec.ID, s.spec.Index, &next, true)
}

func (s *fbSink) close() {}

// Firmware answers the commands posted on an emulated falcon. Each command
// queue is read through its own reader; replies go to the message queue.
type Firmware struct {
	falcon  *Falcon
	layout  ctrl.Layout
	log     *logging.Logger
	handler Handler

	sources []source
	backlog []*ipc.Msg

	outMu sync.Mutex
	out   sink

	commands atomix.Uint64
	replies  atomix.Uint64
}

// NewFirmware builds the firmware views of every queue in layout. A nil
// handler echoes commands.
func NewFirmware(f *Falcon, layout ctrl.Layout, handler Handler, log *logging.Logger) (*Firmware, error) {
	if log == nil {
		log = logging.Default()
	}
	if handler == nil {
		handler = Echo
	}
	fw := &Firmware{
		falcon:  f,
		layout:  layout,
		log:     log.WithFalcon(f.ID()).WithQueue(layout.Message.ID, layout.Message.Index),
		handler: handler,
	}

	for _, s := range layout.Commands {
		src, err := fw.newSource(s)
		if err != nil {
			fw.Close()
			return nil, err
		}
		fw.sources = append(fw.sources, src)
		fw.backlog = append(fw.backlog, nil)
	}

	out, err := fw.newSink(layout.Message)
	if err != nil {
		fw.Close()
		return nil, err
	}
	fw.out = out
	return fw, nil
}

func (fw *Firmware) newSource(s ctrl.QueueSpec) (source, error) {
	if s.Type == queue.FB {
		return &fbSource{f: fw.falcon, spec: s, buf: make([]byte, s.ElementSize)}, nil
	}
	p := s.Reverse().Params()
	p.Logger = logging.Nop()
	q, err := queue.New(fw.falcon, p)
	if err != nil {
		return nil, err
	}
	return ringSource{q}, nil
}

func (fw *Firmware) newSink(s ctrl.QueueSpec) (sink, error) {
	if s.Type == queue.FB {
		return &fbSink{f: fw.falcon, spec: s}, nil
	}
	p := s.Reverse().Params()
	p.Logger = logging.Nop()
	q, err := queue.New(fw.falcon, p)
	if err != nil {
		return nil, err
	}
	return ringSink{q}, nil
}

// Boot resets every queue pointer and posts the INIT message carrying the
// queue table
func (fw *Firmware) Boot() error {
	for _, s := range fw.layout.All() {
		start := s.Start()
		fw.falcon.SetPointers(s.ID, s.Index, start, start)
	}

	hdr := uapi.CmdHdr{UnitID: uapi.UNIT_INIT, CtrlFlags: uapi.CMD_FLAGS_EVENT}
	if err := fw.send(hdr, ctrl.InitPayload(fw.layout)); err != nil {
		return err
	}
	fw.log.Info("firmware booted", "queues", len(fw.layout.Commands)+1)
	return nil
}

// Notify posts an unsolicited event message
func (fw *Firmware) Notify(unit uint8, payload []byte) error {
	return fw.send(uapi.CmdHdr{UnitID: unit, CtrlFlags: uapi.CMD_FLAGS_EVENT}, payload)
}

func (fw *Firmware) send(hdr uapi.CmdHdr, payload []byte) error {
	fw.outMu.Lock()
	defer fw.outMu.Unlock()
	return fw.out.write(hdr, payload)
}

// serve handles commands from source i until it is empty or the message
// queue is full. A command whose reply did not fit is kept for the next
// call.
func (fw *Firmware) serve(i int) (int, error) {
	handled := 0
	for {
		cmd := fw.backlog[i]
		if cmd == nil {
			m, ok, err := fw.sources[i].next()
			if err != nil {
				return handled, err
			}
			if !ok {
				return handled, nil
			}
			fw.commands.Add(1)
			cmd = &m
		}

		if cmd.Hdr.CtrlFlags&uapi.CMD_FLAGS_STATUS != 0 {
			reply := uapi.CmdHdr{UnitID: cmd.Hdr.UnitID, SeqID: cmd.Hdr.SeqID}
			err := fw.send(reply, fw.handler(*cmd))
			if fault.IsCode(err, fault.CodeBusy) {
				fw.backlog[i] = cmd
				return handled, nil
			}
			if err != nil {
				return handled, err
			}
			fw.replies.Add(1)
		}
		fw.backlog[i] = nil
		handled++
	}
}

// Step serves every command queue once. It must not run concurrently with
// Run.
func (fw *Firmware) Step() (int, error) {
	total := 0
	for i := range fw.sources {
		n, err := fw.serve(i)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run serves every command queue on its own goroutine until ctx is done
func (fw *Firmware) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range fw.sources {
		i := i
		g.Go(func() error {
			sw := spin.Wait{}
			idle := iox.Backoff{}
			for ctx.Err() == nil {
				n, err := fw.serve(i)
				if err != nil {
					fw.log.WithError(err).Error("firmware queue failed")
					return err
				}
				switch {
				case fw.backlog[i] != nil:
					sw.Once()
				case n == 0:
					idle.Wait()
				default:
					sw.Reset()
					idle.Reset()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats reports the commands read and replies written
func (fw *Firmware) Stats() (commands, replies uint64) {
	return fw.commands.Load(), fw.replies.Load()
}

// Close frees the firmware queue views
func (fw *Firmware) Close() {
	for _, s := range fw.sources {
		s.close()
	}
	if fw.out != nil {
		fw.out.close()
	}
}
