// Package ipc frames falcon commands and messages on top of the queue
// engine and matches firmware replies to outstanding commands.
package ipc

import (
	"fmt"

	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// MaxPayload is the largest payload a single record can carry
const MaxPayload = 0xff - uapi.CmdHdrSize

// Msg is one framed record read from a queue
type Msg struct {
	Hdr     uapi.CmdHdr
	Payload []byte
}

func (m Msg) String() string {
	return fmt.Sprintf("%s payload=%d", m.Hdr.String(), len(m.Payload))
}

// ReadMessage pops the next record from a read queue. ok is false when the
// queue is empty. A rewind record moves the reader back to the start of the
// ring and the record that follows it is returned instead.
func ReadMessage(q *queue.Queue) (Msg, bool, error) {
	var m Msg

	hdr, ok, err := readHeader(q)
	if err != nil || !ok {
		return m, false, err
	}

	if hdr.IsRewind() {
		if err := q.Rewind(); err != nil {
			return m, false, err
		}
		if hdr, ok, err = readHeader(q); err != nil || !ok {
			return m, false, err
		}
	}

	if hdr.Size < uapi.CmdHdrSize {
		return m, false, fault.NewQueue("READ_MSG", q.Falcon(), q.ID(), fault.CodeIOError,
			fmt.Sprintf("record size %d smaller than header", hdr.Size))
	}

	m.Hdr = hdr
	body := int(hdr.PayloadSize())
	if body == 0 {
		return m, true, nil
	}

	m.Payload = make([]byte, body)
	n, err := q.Pop(m.Payload)
	if err != nil {
		return m, false, err
	}
	if n != body {
		return m, false, fault.NewQueue("READ_MSG", q.Falcon(), q.ID(), fault.CodeIOError,
			fmt.Sprintf("truncated record: read %d of %d bytes", n, body))
	}
	return m, true, nil
}

func readHeader(q *queue.Queue) (uapi.CmdHdr, bool, error) {
	var hdr uapi.CmdHdr
	buf := make([]byte, uapi.CmdHdrSize)

	n, err := q.Pop(buf)
	if err != nil || n == 0 {
		return hdr, false, err
	}
	if n != uapi.CmdHdrSize {
		return hdr, false, fault.NewQueue("READ_MSG", q.Falcon(), q.ID(), fault.CodeIOError,
			fmt.Sprintf("short header: %d bytes", n))
	}
	if err := uapi.Unmarshal(buf, &hdr); err != nil {
		return hdr, false, fault.Wrap("READ_MSG", q.Falcon(), q.ID(), err)
	}
	return hdr, true, nil
}

// WriteMessage pushes hdr and payload as one record. hdr.Size is set from
// the payload length.
func WriteMessage(q *queue.Queue, hdr uapi.CmdHdr, payload []byte) error {
	if len(payload) > MaxPayload {
		return fault.NewQueue("WRITE_MSG", q.Falcon(), q.ID(), fault.CodeInvalidArgument,
			fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxPayload))
	}
	hdr.Size = uint8(uapi.CmdHdrSize + len(payload))

	rec := make([]byte, 0, int(hdr.Size))
	rec = append(rec, uapi.Marshal(&hdr)...)
	rec = append(rec, payload...)
	return q.Push(rec)
}
