// Package config loads falcon descriptions from TOML files
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/ctrl"
	"github.com/ehrlich-b/go-falcon/internal/engine"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// INIT entries carry queue id and index as single bytes
const maxInitField = 0xff

// Config describes one falcon: its memories, registers and queue table
type Config struct {
	Falcon    Falcon    `toml:"falcon"`
	Registers Registers `toml:"registers"`
	Queues    []Queue   `toml:"queue"`
	Log       Log       `toml:"log"`
}

// Falcon holds instance wide settings
type Falcon struct {
	ID          uint32        `toml:"id"`
	Name        string        `toml:"name"`
	DmemSize    uint32        `toml:"dmem_size"`
	EmemSize    uint32        `toml:"emem_size"`
	SurfaceSize uint32        `toml:"surface_size"`
	BootTimeout time.Duration `toml:"boot_timeout"`
	PostTimeout time.Duration `toml:"post_timeout"`
}

// Registers locates the register aperture and the registers inside it
type Registers struct {
	Aperture       string `toml:"aperture"`
	ApertureOffset int64  `toml:"aperture_offset"`
	ApertureSize   int    `toml:"aperture_size"`

	QueueHead   uint32 `toml:"queue_head"`
	QueueTail   uint32 `toml:"queue_tail"`
	QueueStride uint32 `toml:"queue_stride"`
	QueueCount  uint32 `toml:"queue_count"`
	MsgQueueID  uint32 `toml:"msgq_id"`
	MsgHead     uint32 `toml:"msgq_head"`
	MsgTail     uint32 `toml:"msgq_tail"`
	DmemC       uint32 `toml:"dmemc"`
	EmemC       uint32 `toml:"ememc"`
	PortStride  uint32 `toml:"port_stride"`
	DmemPorts   uint8  `toml:"dmem_ports"`
	EmemPorts   uint8  `toml:"emem_ports"`
	EmemStart   uint32 `toml:"emem_start"`
}

// Queue is one row of the queue table
type Queue struct {
	ID          uint32 `toml:"id"`
	Index       uint32 `toml:"index"`
	Direction   string `toml:"direction"`
	Type        string `toml:"type"`
	Offset      uint32 `toml:"offset"`
	Size        uint32 `toml:"size"`
	ElementSize uint32 `toml:"element_size"`
	FBOffset    uint32 `toml:"fb_offset"`
}

// Log configures the process logger
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the PMU configuration used by the simulator
func Default() *Config {
	l := engine.PMULayout()
	c := &Config{
		Falcon: Falcon{
			ID:          0,
			Name:        "pmu",
			DmemSize:    l.DmemSize,
			EmemSize:    l.EmemSize,
			SurfaceSize: 0x10000,
			BootTimeout: 5 * time.Second,
			PostTimeout: constants.DefaultPostTimeout,
		},
		Registers: Registers{
			ApertureSize: int(l.End()),
			QueueHead:    l.QueueHead,
			QueueTail:    l.QueueTail,
			QueueStride:  l.QueueStride,
			QueueCount:   l.QueueCount,
			MsgQueueID:   l.MsgQueueID,
			MsgHead:      l.MsgHead,
			MsgTail:      l.MsgTail,
			DmemC:        l.DmemC,
			EmemC:        l.EmemC,
			PortStride:   l.PortStride,
			DmemPorts:    l.DmemPorts,
			EmemPorts:    l.EmemPorts,
			EmemStart:    l.EmemStart,
		},
		Log: Log{Level: "info", Format: "text"},
	}
	for _, s := range ctrl.DefaultLayout().All() {
		c.Queues = append(c.Queues, fromSpec(s))
	}
	return c
}

// Load overlays the file at path on Default. A file that lists queues
// replaces the default queue table.
func Load(path string) (*Config, error) {
	c := Default()
	queues := c.Queues
	c.Queues = nil

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if !md.IsDefined("queue") {
		c.Queues = queues
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Write encodes the configuration as TOML
func (c *Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate checks the queue table against the falcon's memories
func (c *Config) Validate() error {
	if err := c.RegisterLayout().Validate(); err != nil {
		return fmt.Errorf("registers: %w", err)
	}

	var msgq int
	seen := make(map[uint32]bool)
	specs := make([]ctrl.QueueSpec, 0, len(c.Queues))
	for i, q := range c.Queues {
		if q.ID > maxInitField || q.Index > maxInitField {
			return fmt.Errorf("queue[%d]: id %d index %d do not fit the INIT table", i, q.ID, q.Index)
		}
		s, err := q.Spec()
		if err != nil {
			return fmt.Errorf("queue[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("queue[%d]: duplicate id %d", i, s.ID)
		}
		seen[s.ID] = true
		if s.Direction == queue.Read {
			msgq++
		}
		if err := c.checkBounds(s); err != nil {
			return fmt.Errorf("queue[%d]: %w", i, err)
		}
		specs = append(specs, s)
	}
	if msgq != 1 {
		return fmt.Errorf("want exactly one read queue, have %d", msgq)
	}
	return checkOverlap(specs)
}

func (c *Config) checkBounds(s ctrl.QueueSpec) error {
	switch s.Type {
	case queue.FB:
		if s.Size == 0 || s.Size > constants.MaxFBElements {
			return fmt.Errorf("fb element count %d outside [1, %d]", s.Size, constants.MaxFBElements)
		}
		if s.ElementSize <= uapi.FBQHdrSize+uapi.CmdHdrSize {
			return fmt.Errorf("fb element size %d too small", s.ElementSize)
		}
		if end := uint64(s.FBOffset) + uint64(s.Size)*uint64(s.ElementSize); end > uint64(c.Falcon.SurfaceSize) {
			return fmt.Errorf("fb queue ends at 0x%x beyond surface 0x%x", end, c.Falcon.SurfaceSize)
		}
		return nil
	case queue.EMEM:
		if s.Offset < c.Registers.EmemStart {
			return fmt.Errorf("emem ring at 0x%x below EMEM start 0x%x", s.Offset, c.Registers.EmemStart)
		}
		return checkRing(s, s.Offset-c.Registers.EmemStart, c.Falcon.EmemSize)
	default:
		return checkRing(s, s.Offset, c.Falcon.DmemSize)
	}
}

func checkRing(s ctrl.QueueSpec, off, limit uint32) error {
	if s.Size <= constants.CmdHdrSize {
		return fmt.Errorf("ring size %d too small", s.Size)
	}
	if off%constants.QueueAlignment != 0 || s.Size%constants.QueueAlignment != 0 {
		return fmt.Errorf("ring [0x%x, +0x%x) not %d-byte aligned", s.Offset, s.Size, constants.QueueAlignment)
	}
	if uint64(off)+uint64(s.Size) > uint64(limit) {
		return fmt.Errorf("ring [0x%x, +0x%x) beyond %s size 0x%x", s.Offset, s.Size, s.Type, limit)
	}
	return nil
}

type extent struct {
	typ        queue.Type
	start, end uint64
	id         uint32
}

func checkOverlap(specs []ctrl.QueueSpec) error {
	ext := make([]extent, 0, len(specs))
	for _, s := range specs {
		e := extent{typ: s.Type, id: s.ID, start: uint64(s.Offset), end: uint64(s.Offset) + uint64(s.Size)}
		if s.Type == queue.FB {
			e.start = uint64(s.FBOffset)
			e.end = e.start + uint64(s.Size)*uint64(s.ElementSize)
		}
		ext = append(ext, e)
	}
	sort.Slice(ext, func(i, j int) bool {
		if ext[i].typ != ext[j].typ {
			return ext[i].typ < ext[j].typ
		}
		return ext[i].start < ext[j].start
	})
	for i := 1; i < len(ext); i++ {
		prev, cur := ext[i-1], ext[i]
		if prev.typ == cur.typ && cur.start < prev.end {
			return fmt.Errorf("queue %d overlaps queue %d in %s", cur.id, prev.id, cur.typ)
		}
	}
	return nil
}

// Spec converts the row to a queue spec
func (q Queue) Spec() (ctrl.QueueSpec, error) {
	s := ctrl.QueueSpec{
		ID:          q.ID,
		Index:       q.Index,
		Offset:      q.Offset,
		Size:        q.Size,
		ElementSize: q.ElementSize,
		FBOffset:    q.FBOffset,
	}

	switch strings.ToLower(q.Direction) {
	case "write", "cmd":
		s.Direction = queue.Write
	case "read", "msg":
		s.Direction = queue.Read
	default:
		return s, fmt.Errorf("unknown direction %q", q.Direction)
	}

	switch strings.ToLower(q.Type) {
	case "dmem", "":
		s.Type = queue.DMEM
	case "emem":
		s.Type = queue.EMEM
	case "fb":
		s.Type = queue.FB
	default:
		return s, fmt.Errorf("unknown queue type %q", q.Type)
	}
	return s, nil
}

func fromSpec(s ctrl.QueueSpec) Queue {
	return Queue{
		ID:          s.ID,
		Index:       s.Index,
		Direction:   s.Direction.String(),
		Type:        s.Type.String(),
		Offset:      s.Offset,
		Size:        s.Size,
		ElementSize: s.ElementSize,
		FBOffset:    s.FBOffset,
	}
}

// Layout returns the queue layout. Call Validate first.
func (c *Config) Layout() (ctrl.Layout, error) {
	var l ctrl.Layout
	var haveMsg bool
	for _, q := range c.Queues {
		s, err := q.Spec()
		if err != nil {
			return l, err
		}
		if s.Direction == queue.Read {
			l.Message = s
			haveMsg = true
			continue
		}
		l.Commands = append(l.Commands, s)
	}
	if !haveMsg {
		return l, fmt.Errorf("no message queue")
	}
	return l, nil
}

// RegisterLayout returns the register layout for engine.New
func (c *Config) RegisterLayout() engine.Layout {
	r := c.Registers
	return engine.Layout{
		QueueHead:   r.QueueHead,
		QueueTail:   r.QueueTail,
		QueueStride: r.QueueStride,
		QueueCount:  r.QueueCount,
		MsgQueueID:  r.MsgQueueID,
		MsgHead:     r.MsgHead,
		MsgTail:     r.MsgTail,
		DmemC:       r.DmemC,
		EmemC:       r.EmemC,
		PortStride:  r.PortStride,
		DmemPorts:   r.DmemPorts,
		EmemPorts:   r.EmemPorts,
		DmemSize:    c.Falcon.DmemSize,
		EmemSize:    c.Falcon.EmemSize,
		EmemStart:   r.EmemStart,
	}
}

// LoggerConfig returns the logging configuration
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc
}
