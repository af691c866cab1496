package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kierajs/kiera-go/types"
)

// identifyInterval is the platform's pacing between session starts inside
// one concurrency bucket.
const identifyInterval = 5 * time.Second

// Manager owns the shard collection and a serialized connect queue that
// honors the session-start limit: one identify per concurrency bucket per
// window, and no new shard until the previous one reports a session or the
// wait budget lapses.
type Manager struct {
	mu       sync.Mutex
	shards   map[int]*Shard
	order    []int
	queue    []*Shard
	queued   map[int]bool
	working  bool
	limiters []*rate.Limiter

	newConfig func(id int) Config
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(newConfig func(id int) Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		shards:    make(map[int]*Shard),
		queued:    make(map[int]bool),
		newConfig: newConfig,
		log:       logger.Named("shards"),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.SetSessionStartLimit(types.SessionStartLimit{MaxConcurrency: 1})
	return m
}

// SetSessionStartLimit installs the concurrency buckets from the
// /gateway/bot probe. Bucket i paces shards with id mod maxConcurrency == i.
func (m *Manager) SetSessionStartLimit(limit types.SessionStartLimit) {
	n := limit.MaxConcurrency
	if n < 1 {
		n = 1
	}
	limiters := make([]*rate.Limiter, n)
	for i := range limiters {
		limiters[i] = rate.NewLimiter(rate.Every(identifyInterval), 1)
	}
	m.mu.Lock()
	m.limiters = limiters
	m.mu.Unlock()
}

// Spawn creates (or returns) the shard with the given id.
func (m *Manager) Spawn(id int, cfgOverride ...func(*Config)) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[id]; ok {
		return s
	}
	cfg := m.newConfig(id)
	for _, fn := range cfgOverride {
		fn(&cfg)
	}
	s := NewShard(id, cfg)
	m.shards[id] = s
	m.order = append(m.order, id)
	return s
}

// Shard returns the shard with the given id, nil when not spawned.
func (m *Manager) Shard(id int) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards[id]
}

// Shards snapshots all spawned shards in spawn order.
func (m *Manager) Shards() []*Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Shard, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.shards[id])
	}
	return out
}

// Connect appends the shard to the connect queue; duplicates coalesce. A
// single worker drains the queue.
func (m *Manager) Connect(s *Shard) {
	m.mu.Lock()
	if m.queued[s.ID] {
		m.mu.Unlock()
		return
	}
	m.queued[s.ID] = true
	m.queue = append(m.queue, s)
	start := !m.working
	if start {
		m.working = true
	}
	m.mu.Unlock()

	if start {
		go m.drain()
	}
}

func (m *Manager) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.working = false
			m.mu.Unlock()
			return
		}
		s := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, s.ID)
		limiter := m.limiters[s.ID%len(m.limiters)]
		ctx := m.ctx
		m.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		m.log.Info("starting shard", zap.Int("shard", s.ID))
		if err := s.Connect(); err != nil {
			m.log.Warn("shard connect refused", zap.Int("shard", s.ID), zap.Error(err))
			continue
		}

		// Hold the queue until the shard reports a session, or give up on
		// it and move on after the connection budget.
		select {
		case <-s.SessionUp():
		case <-time.After(s.cfg.ConnectionTimeout + identifyInterval):
			m.log.Warn("shard did not come up in time, continuing queue",
				zap.Int("shard", s.ID))
		case <-ctx.Done():
			return
		}
	}
}

// Disconnect clears the connect queue and tears all shards down without
// reconnect.
func (m *Manager) Disconnect(err error) {
	m.cancel()
	m.mu.Lock()
	m.queue = nil
	m.queued = make(map[int]bool)
	shards := make([]*Shard, 0, len(m.order))
	for _, id := range m.order {
		shards = append(shards, m.shards[id])
	}
	m.mu.Unlock()

	for _, s := range shards {
		s.Disconnect(err, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.ctx, m.cancel = ctx, cancel
	m.mu.Unlock()
}
