package analyzer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/metrics"
)

var (
	// ErrManagerClosed is returned after Stop.
	ErrManagerClosed = errors.New("dpslens: analyzer manager closed")
	// ErrIngressDropped is returned when a chunk could not be queued in
	// time. The flow resyncs on its next chunk.
	ErrIngressDropped = errors.New("dpslens: ingress chunk dropped")
)

// DispatchConfig sizes the worker partitions.
type DispatchConfig struct {
	Partitions    int           `mapstructure:"partitions" yaml:"partitions"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" yaml:"submit_timeout"`
}

// DefaultDispatchConfig returns the default dispatch configuration.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Partitions:    4,
		QueueSize:     256,
		SubmitTimeout: 50 * time.Millisecond,
	}
}

type commandKind uint8

const (
	cmdConnect commandKind = iota
	cmdFeed
	cmdGap
	cmdLost
	cmdReset
	cmdBarrier
)

type command struct {
	kind commandKind
	flow string
	data []byte
	seen time.Time
	gap  bool          // bytes were dropped before this chunk
	done chan struct{} // closed after cmdBarrier is reached
}

type worker struct {
	id    int
	name  string
	queue chan command
}

// Factory builds the analyzer of a new flow.
type Factory func(flow string) *Analyzer

// Manager owns one analyzer per flow. Flows are mapped to workers with a
// consistent hash ring, so every command of a flow runs on the same
// goroutine in submission order.
type Manager struct {
	cfg     DispatchConfig
	factory Factory
	logger  log.Logger
	metrics *metrics.Collector

	ring    *hashring.HashRing
	nodes   map[string]int
	workers []*worker

	mu        sync.RWMutex
	analyzers map[string]*Analyzer
	gaps      map[string]bool

	closed       atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup
	ingressDrops atomic.Uint64
}

// NewManager starts the worker partitions.
func NewManager(cfg DispatchConfig, factory Factory, logger log.Logger, m *metrics.Collector) *Manager {
	def := DefaultDispatchConfig()
	if cfg.Partitions < 1 {
		cfg.Partitions = def.Partitions
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = log.Discard()
	}

	mgr := &Manager{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		metrics:   m,
		nodes:     make(map[string]int, cfg.Partitions),
		analyzers: make(map[string]*Analyzer),
		gaps:      make(map[string]bool),
		done:      make(chan struct{}),
	}

	names := make([]string, cfg.Partitions)
	for i := range names {
		names[i] = "partition-" + strconv.Itoa(i)
		mgr.nodes[names[i]] = i
		w := &worker{id: i, name: names[i], queue: make(chan command, cfg.QueueSize)}
		mgr.workers = append(mgr.workers, w)
		mgr.wg.Add(1)
		go mgr.run(w)
	}
	mgr.ring = hashring.New(names)

	logger.Infof("analyzer manager started with %d partitions", cfg.Partitions)
	return mgr
}

// Connect attaches a new connection for flow.
func (m *Manager) Connect(flow string) error {
	return m.control(command{kind: cmdConnect, flow: flow})
}

// Gap reports bytes lost on flow.
func (m *Manager) Gap(flow string) error {
	return m.control(command{kind: cmdGap, flow: flow})
}

// ConnectionLost detaches the connection of flow.
func (m *Manager) ConnectionLost(flow string) error {
	return m.control(command{kind: cmdLost, flow: flow})
}

// RequestReset clears a faulted flow.
func (m *Manager) RequestReset(flow string) error {
	return m.control(command{kind: cmdReset, flow: flow})
}

// Feed queues a copy of data for flow. When the partition stays full for
// SubmitTimeout the chunk is dropped and the flow resyncs.
func (m *Manager) Feed(flow string, data []byte, seen time.Time) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	w := m.workerFor(flow)
	cmd := command{
		kind: cmdFeed,
		flow: flow,
		data: append([]byte(nil), data...),
		seen: seen,
		gap:  m.takeGap(flow),
	}

	select {
	case w.queue <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(m.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case w.queue <- cmd:
		return nil
	case <-timer.C:
	case <-m.done:
		return ErrManagerClosed
	}

	m.setGap(flow)
	m.ingressDrops.Add(1)
	m.metrics.IngressDrop(w.name)
	m.logger.WithField("flow", flow).WithField("partition", w.name).Warn("partition saturated, dropping chunk")
	return ErrIngressDropped
}

// Flush waits until every command queued before the call was processed.
func (m *Manager) Flush(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	barriers := make([]chan struct{}, 0, len(m.workers))
	for _, w := range m.workers {
		done := make(chan struct{})
		select {
		case w.queue <- command{kind: cmdBarrier, done: done}:
		case <-m.done:
			return ErrManagerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
		barriers = append(barriers, done)
	}
	for _, done := range barriers {
		select {
		case <-done:
		case <-m.done:
			return ErrManagerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop drains the queues and stops the workers.
func (m *Manager) Stop() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.done)
	m.wg.Wait()
	m.logger.Info("analyzer manager stopped")
}

// Analyzer returns the analyzer of flow. Only its read-side accessors may
// be used from outside the manager.
func (m *Manager) Analyzer(flow string) (*Analyzer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyzers[flow]
	return a, ok
}

// Flows returns the known flow keys, sorted.
func (m *Manager) Flows() []string {
	m.mu.RLock()
	flows := make([]string, 0, len(m.analyzers))
	for f := range m.analyzers {
		flows = append(flows, f)
	}
	m.mu.RUnlock()
	sort.Strings(flows)
	return flows
}

// IngressDrops returns the number of chunks dropped at submission.
func (m *Manager) IngressDrops() uint64 {
	return m.ingressDrops.Load()
}

// Partition returns the worker index flow is pinned to.
func (m *Manager) Partition(flow string) int {
	return m.workerFor(flow).id
}

func (m *Manager) control(cmd command) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	select {
	case m.workerFor(cmd.flow).queue <- cmd:
		return nil
	case <-m.done:
		return ErrManagerClosed
	}
}

func (m *Manager) workerFor(flow string) *worker {
	node, ok := m.ring.GetNode(flow)
	if !ok {
		return m.workers[0]
	}
	return m.workers[m.nodes[node]]
}

func (m *Manager) takeGap(flow string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.gaps[flow] {
		return false
	}
	delete(m.gaps, flow)
	return true
}

func (m *Manager) setGap(flow string) {
	m.mu.Lock()
	m.gaps[flow] = true
	m.mu.Unlock()
}

func (m *Manager) run(w *worker) {
	defer m.wg.Done()
	for {
		select {
		case cmd := <-w.queue:
			m.process(cmd)
		case <-m.done:
			// Drain what was queued before Stop.
			for {
				select {
				case cmd := <-w.queue:
					m.process(cmd)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) process(cmd command) {
	if cmd.kind == cmdBarrier {
		close(cmd.done)
		return
	}

	a := m.analyzerFor(cmd.flow)
	switch cmd.kind {
	case cmdConnect:
		if err := a.Connect(); err != nil {
			a.logger.WithError(err).Warn("connect refused")
		}
	case cmdFeed:
		if cmd.gap {
			a.MarkGap()
		}
		start := time.Now()
		if err := a.Feed(cmd.data, cmd.seen); err != nil && a.logger.IsDebugEnabled() {
			a.logger.WithError(err).Debug("frames rejected")
		}
		m.metrics.FeedLatency(time.Since(start).Seconds())
	case cmdGap:
		a.MarkGap()
	case cmdLost:
		a.ConnectionLost()
	case cmdReset:
		a.RequestReset()
	default:
		m.logger.Errorf("analyzer: unknown command %d", cmd.kind)
	}
}

// analyzerFor runs on the owning worker only.
func (m *Manager) analyzerFor(flow string) *Analyzer {
	m.mu.RLock()
	a, ok := m.analyzers[flow]
	m.mu.RUnlock()
	if ok {
		return a
	}

	a = m.factory(flow)
	m.mu.Lock()
	m.analyzers[flow] = a
	m.mu.Unlock()
	return a
}
