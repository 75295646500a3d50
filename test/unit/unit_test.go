//go:build !integration

package unit

import (
	"errors"
	"testing"

	"github.com/ehrlich-b/go-falcon"
	"github.com/ehrlich-b/go-falcon/backend"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// These tests cover the public surface without any goroutines or firmware

func TestUAPIConstants(t *testing.T) {
	if uapi.UNIT_REWIND != 0x00 {
		t.Errorf("UNIT_REWIND = %x, want 0x00", uapi.UNIT_REWIND)
	}
	if uapi.CmdHdrSize != falcon.CmdHdrSize {
		t.Errorf("CmdHdrSize = %d, falcon.CmdHdrSize = %d", uapi.CmdHdrSize, falcon.CmdHdrSize)
	}
	if falcon.MaxFBElements != 64 {
		t.Errorf("MaxFBElements = %d, want 64", falcon.MaxFBElements)
	}
	if falcon.QueueAlignment != 4 {
		t.Errorf("QueueAlignment = %d, want 4", falcon.QueueAlignment)
	}
}

func TestSurfaceInterface(t *testing.T) {
	var s falcon.Surface = backend.NewMemory(1024)

	data := []byte("fb element")
	n, err := s.WriteAt(data, 0x80)
	if err != nil || n != len(data) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	buf := make([]byte, len(data))
	if _, err := s.ReadAt(buf, 0x80); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != string(data) {
		t.Errorf("ReadAt = %q, want %q", buf, data)
	}
	if s.Size() != 1024 {
		t.Errorf("Size = %d, want 1024", s.Size())
	}
}

func TestMockEngineCapabilities(t *testing.T) {
	var e falcon.Engine = falcon.NewMockEngine(2, 256, 256)

	if _, ok := e.(falcon.QueueRegisters); !ok {
		t.Error("MockEngine should provide queue registers")
	}
	if _, ok := e.(falcon.DmemCopier); !ok {
		t.Error("MockEngine should provide DMEM copy")
	}
	if _, ok := e.(falcon.EmemCopier); !ok {
		t.Error("MockEngine should provide EMEM copy")
	}
}

func TestErrorTypes(t *testing.T) {
	err := falcon.NewQueueError("PUSH", 1, 0, falcon.ErrCodeBusy, "")
	if !errors.Is(err, falcon.ErrBusy) {
		t.Error("queue error should match ErrBusy")
	}
	if !falcon.IsBusy(err) {
		t.Error("IsBusy should report true")
	}
	if errors.Is(err, falcon.ErrClosed) {
		t.Error("busy error should not match ErrClosed")
	}
}

func TestDefaultLayout(t *testing.T) {
	l := falcon.DefaultLayout()
	if l.Message.ID != falcon.DefaultMsgQueue {
		t.Errorf("message queue id = %d, want %d", l.Message.ID, falcon.DefaultMsgQueue)
	}
	if len(l.Commands) != 2 {
		t.Fatalf("command queues = %d, want 2", len(l.Commands))
	}
	for _, s := range l.Commands {
		if s.Direction != falcon.Write {
			t.Errorf("%s: want write direction", s)
		}
	}
}
