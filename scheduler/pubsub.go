package scheduler

import (
	log "log/slog"
	"sync"
)

// PubSub is a named-topic registry. Subscribers run on the pool; publishing
// never blocks the caller beyond the bounded queue, so a pub from inside a
// serializer job cannot deadlock it.
type PubSub struct {
	mu     sync.RWMutex
	topics map[string][]func(args ...any)
	queue  chan publication
	pool   *Pool
	done   chan struct{}
}

type publication struct {
	topic string
	args  []any
}

// NewPubSub builds the registry with a delivery queue of the given depth and
// starts the delivery loop.
func NewPubSub(pool *Pool, depth int) *PubSub {
	if depth <= 0 {
		depth = 128
	}
	ps := &PubSub{
		topics: map[string][]func(args ...any){},
		queue:  make(chan publication, depth),
		pool:   pool,
		done:   make(chan struct{}),
	}
	go ps.deliverLoop()
	return ps
}

// Subscribe registers fn on topic.
func (ps *PubSub) Subscribe(topic string, fn func(args ...any)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.topics[topic] = append(ps.topics[topic], fn)
}

// WakeOnPub wakes the job whenever topic fires, letting a repeating job
// resume immediately after a manual trigger.
func (ps *PubSub) WakeOnPub(topic string, job *Job) {
	ps.Subscribe(topic, func(...any) { job.Wake() })
}

// Pub queues a publication. If the queue is full the publication is dropped
// with a warning rather than blocking the publisher.
func (ps *PubSub) Pub(topic string, args ...any) {
	select {
	case ps.queue <- publication{topic: topic, args: args}:
	default:
		log.Warn("pubsub queue full, dropping", "topic", topic)
	}
}

func (ps *PubSub) deliverLoop() {
	for {
		select {
		case <-ps.done:
			return
		case p := <-ps.queue:
			ps.mu.RLock()
			subs := ps.topics[p.topic]
			ps.mu.RUnlock()
			for _, fn := range subs {
				fn := fn
				ps.pool.Submit(func() { fn(p.args...) })
			}
		}
	}
}

// Shutdown stops delivery.
func (ps *PubSub) Shutdown() {
	close(ps.done)
}
