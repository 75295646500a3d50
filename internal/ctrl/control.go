// Package ctrl builds and owns the queue set of a falcon
package ctrl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// Options configures a Controller
type Options struct {
	// Surface backs FB queues; required only when a layout contains one
	Surface  interfaces.Surface
	Logger   *logging.Logger
	Observer queue.Observer
}

// Controller owns the queues of one falcon, keyed by queue id
type Controller struct {
	engine  interfaces.Engine
	surface interfaces.Surface
	logger  *logging.Logger
	obs     queue.Observer

	mu     sync.Mutex
	queues map[uint32]*queue.Queue
	specs  map[uint32]QueueSpec
}

// NewController creates a controller with no queues
func NewController(engine interfaces.Engine, opts *Options) *Controller {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	var id uint32
	if engine != nil {
		id = engine.ID()
	}
	return &Controller{
		engine:  engine,
		surface: opts.Surface,
		logger:  logger.WithFalcon(id),
		obs:     opts.Observer,
		queues:  make(map[uint32]*queue.Queue),
		specs:   make(map[uint32]QueueSpec),
	}
}

// Build creates every queue in specs. If any queue fails, the queues built
// by this call are freed and the error is returned.
func (c *Controller) Build(specs []QueueSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var built []uint32
	unwind := func() {
		for _, id := range built {
			c.queues[id].Free()
			delete(c.queues, id)
			delete(c.specs, id)
		}
	}

	for _, s := range specs {
		if _, dup := c.queues[s.ID]; dup {
			unwind()
			return fault.New("BUILD", fault.CodeInvalidArgument, fmt.Sprintf("queue %d already exists", s.ID))
		}

		p := s.Params()
		p.Logger = c.logger
		p.Observer = c.obs
		if s.Type == queue.FB {
			p.Surface = c.surface
		}

		q, err := queue.New(c.engine, p)
		if err != nil {
			c.logger.Error("queue build failed", "queue", s.String(), "error", err)
			unwind()
			return err
		}

		c.queues[s.ID] = q
		c.specs[s.ID] = s
		built = append(built, s.ID)
		c.logger.Debug("queue built", "queue", s.String())
	}
	return nil
}

// BuildLayout builds the message queue and all command queues of a layout
func (c *Controller) BuildLayout(l Layout) error {
	return c.Build(l.All())
}

// BuildFromInit builds the queues described by a firmware INIT message
// payload, skipping ids that already exist (the bootstrap message queue)
func (c *Controller) BuildFromInit(payload []byte) error {
	specs, err := ParseInitMessage(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	fresh := specs[:0]
	for _, s := range specs {
		if _, ok := c.queues[s.ID]; !ok {
			fresh = append(fresh, s)
		}
	}
	c.mu.Unlock()

	return c.Build(fresh)
}

// Queue returns the queue with the given id
func (c *Controller) Queue(id uint32) (*queue.Queue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[id]
	return q, ok
}

// Spec returns the geometry the queue was built with
func (c *Controller) Spec(id uint32) (QueueSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.specs[id]
	return s, ok
}

// Queues returns all queues of the given direction ordered by id
func (c *Controller) Queues(dir queue.Direction) []*queue.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*queue.Queue
	for _, q := range c.queues {
		if q.Direction() == dir {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close frees every queue
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, q := range c.queues {
		q.Free()
		delete(c.queues, id)
		delete(c.specs, id)
	}
	return nil
}

// ParseInitMessage decodes the queue table carried by the INIT message
func ParseInitMessage(payload []byte) ([]QueueSpec, error) {
	entries, err := uapi.UnmarshalInitPayload(payload)
	if err != nil {
		return nil, fault.New("INIT", fault.CodeInvalidArgument, err.Error())
	}

	specs := make([]QueueSpec, 0, len(entries))
	for _, e := range entries {
		s, err := SpecFromEntry(e)
		if err != nil {
			return nil, fault.New("INIT", fault.CodeInvalidArgument, err.Error())
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// InitPayload encodes a layout as an INIT message payload
func InitPayload(l Layout) []byte {
	all := l.All()
	entries := make([]uapi.InitQueueEntry, len(all))
	for i, s := range all {
		entries[i] = s.Entry()
	}
	return uapi.MarshalInitPayload(entries)
}
