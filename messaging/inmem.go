package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// InMemoryBroker is a process-local Broker with the same semantics the
// Kafka transport provides: per-topic partitions, competing consumer
// groups with committed offsets, and timer-based offset commits. It backs
// tests and broker-less single-process deployments.
type InMemoryBroker struct {
	mu             sync.Mutex
	partitions     int
	commitInterval time.Duration
	topics         map[string]*memTopic
}

// MemOption customizes an InMemoryBroker.
type MemOption func(*InMemoryBroker)

// WithPartitions sets the partition count for new topics.
func WithPartitions(n int) MemOption {
	return func(b *InMemoryBroker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithMemCommitInterval overrides the offset auto-commit interval.
func WithMemCommitInterval(d time.Duration) MemOption {
	return func(b *InMemoryBroker) {
		if d > 0 {
			b.commitInterval = d
		}
	}
}

// NewInMemoryBroker creates an in-process broker (4 partitions per topic,
// 5s offset commits by default).
func NewInMemoryBroker(opts ...MemOption) *InMemoryBroker {
	b := &InMemoryBroker{
		partitions:     4,
		commitInterval: DefaultCommitInterval,
		topics:         make(map[string]*memTopic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memTopic struct {
	parts  [][]*Envelope // append-only log per partition
	groups map[string]*memGroup
}

type memGroup struct {
	committed []int64 // committed offset per partition
	members   []*memConsumer
}

// topic returns the named topic, creating it on first use.
// Callers hold b.mu.
func (b *InMemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			parts:  make([][]*Envelope, b.partitions),
			groups: make(map[string]*memGroup),
		}
		b.topics[name] = t
	}
	return t
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck
	return int(h.Sum32() % uint32(n))
}

// Publisher returns a publisher whose Publish has durably appended the
// envelope before returning.
func (b *InMemoryBroker) Publisher() Publisher { return &memPublisher{b: b} }

type memPublisher struct {
	b *InMemoryBroker
}

func (p *memPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: err}
	}
	data, err := env.Marshal()
	if err != nil {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: err}
	}
	if len(data) > MaxMessageBytes {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: ErrPayloadTooLarge}
	}
	// Round-trip through the wire form so consumers never share mutable
	// payload state with the publisher.
	stored, err := UnmarshalEnvelope(data)
	if err != nil {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: err}
	}

	b := p.b
	b.mu.Lock()
	t := b.topic(topic)
	idx := partitionFor(env.Key(), len(t.parts))
	t.parts[idx] = append(t.parts[idx], stored)
	for _, g := range t.groups {
		for _, m := range g.members {
			m.signal()
		}
	}
	b.mu.Unlock()
	return nil
}

func (p *memPublisher) Close() error { return nil }

// Consumer joins the group across the given topics. Partitions are split
// round-robin across group members; a member starts each assigned
// partition from the group's committed offset.
func (b *InMemoryBroker) Consumer(topics []string, group string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("in-memory consumer requires at least one topic")
	}
	if group == "" {
		return nil, fmt.Errorf("in-memory consumer requires a group id")
	}
	c := &memConsumer{
		b:        b,
		group:    group,
		topics:   topics,
		assigned: make(map[string][]int),
		pos:      make(map[string]map[int]int64),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	b.mu.Lock()
	for _, name := range topics {
		t := b.topic(name)
		g := t.groups[group]
		if g == nil {
			g = &memGroup{committed: make([]int64, len(t.parts))}
			t.groups[group] = g
		}
		g.members = append(g.members, c)
		b.rebalance(name, g)
	}
	b.mu.Unlock()
	go c.commitLoop()
	return c, nil
}

// rebalance reassigns a topic's partitions round-robin across the group's
// members. Surviving members commit their read positions first so a
// graceful membership change does not replay their work. Callers hold b.mu.
func (b *InMemoryBroker) rebalance(topic string, g *memGroup) {
	t := b.topics[topic]
	for _, m := range g.members {
		g.commitMember(m, topic)
		m.assigned[topic] = nil
	}
	if len(g.members) == 0 {
		return
	}
	for p := range t.parts {
		m := g.members[p%len(g.members)]
		m.assigned[topic] = append(m.assigned[topic], p)
	}
	for _, m := range g.members {
		if m.pos[topic] == nil {
			m.pos[topic] = make(map[int]int64)
		}
		for _, p := range m.assigned[topic] {
			m.pos[topic][p] = g.committed[p]
		}
		m.signal()
	}
}

// commitMember advances the group's committed offsets to the member's
// read positions. Callers hold b.mu.
func (g *memGroup) commitMember(m *memConsumer, topic string) {
	for p, off := range m.pos[topic] {
		if off > g.committed[p] {
			g.committed[p] = off
		}
	}
}

type memConsumer struct {
	b      *InMemoryBroker
	group  string
	topics []string

	// guarded by b.mu
	assigned map[string][]int         // topic -> assigned partitions
	pos      map[string]map[int]int64 // topic -> partition -> next read offset
	closed   bool

	wake chan struct{}
	stop chan struct{}
}

func (c *memConsumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Next returns the next unread envelope from the consumer's assigned
// partitions, blocking until one is available.
func (c *memConsumer) Next(ctx context.Context) (*Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.b.mu.Lock()
		if c.closed {
			c.b.mu.Unlock()
			return nil, ErrConsumerClosed
		}
		for _, name := range c.topics {
			t := c.b.topics[name]
			for _, p := range c.assigned[name] {
				off := c.pos[name][p]
				if off < int64(len(t.parts[p])) {
					env := t.parts[p][off]
					c.pos[name][p] = off + 1
					c.b.mu.Unlock()
					return env, nil
				}
			}
		}
		c.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stop:
			return nil, ErrConsumerClosed
		case <-c.wake:
		}
	}
}

func (c *memConsumer) commitLoop() {
	ticker := time.NewTicker(c.b.commitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.commit()
		}
	}
}

func (c *memConsumer) commit() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return
	}
	for _, name := range c.topics {
		g := c.b.topics[name].groups[c.group]
		g.commitMember(c, name)
	}
}

// Close leaves the group gracefully: pending offsets are committed and the
// member's partitions are reassigned.
func (c *memConsumer) Close() error {
	c.leave(true)
	return nil
}

// leave removes the consumer from its groups. With commit=false the
// consumer's uncommitted reads are abandoned, simulating a crash: the next
// owner of its partitions resumes from the committed offsets.
func (c *memConsumer) leave(commit bool) {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return
	}
	c.closed = true
	for _, name := range c.topics {
		g := c.b.topics[name].groups[c.group]
		if commit {
			g.commitMember(c, name)
		}
		members := g.members[:0]
		for _, m := range g.members {
			if m != c {
				members = append(members, m)
			}
		}
		g.members = members
		c.b.rebalance(name, g)
	}
	c.b.mu.Unlock()
	close(c.stop)
}
