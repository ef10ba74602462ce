package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
)

// MemoryBus implements Bus in-process with the same delivery contract as the
// JetStream bus: queue groups load-balance, a handler error triggers
// redelivery up to MaxDeliver attempts, duplicate msg IDs within the dedup
// window collapse, and messages published before any matching consumer
// exists are buffered until one subscribes.
//
// Each queue group runs one dispatch worker, so deliveries within a group
// stay in publish order while Publish itself never blocks on handlers.
type MemoryBus struct {
	queues  map[string]*queueGroup // queue+":"+subject -> group
	pending map[string][]*delivery // subject -> undelivered messages
	seen    map[string]time.Time   // msgID -> first publish
	mu      sync.RWMutex
	done    chan struct{}
	logger  *logger.Logger
	closed  bool

	// MaxDeliver and RedeliverDelay mirror the JetStream consumer knobs.
	// Tests shrink RedeliverDelay to keep redelivery cases fast.
	MaxDeliver     int
	RedeliverDelay time.Duration
	DedupWindow    time.Duration
}

type delivery struct {
	subject string
	msgID   string
	data    []byte
	attempt int
}

type queueGroup struct {
	subject     string
	pattern     *regexp.Regexp
	ch          chan *delivery
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

type memorySubscription struct {
	bus      *MemoryBus
	queueKey string
	handler  Handler
	active   bool
	mu       sync.Mutex
}

// NewMemoryBus creates an in-memory bus with JetStream-like defaults. A nil
// log falls back to the process default logger.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		queues:         make(map[string]*queueGroup),
		pending:        make(map[string][]*delivery),
		seen:           make(map[string]time.Time),
		done:           make(chan struct{}),
		logger:         log,
		MaxDeliver:     5,
		RedeliverDelay: 25 * time.Millisecond,
		DedupWindow:    2 * time.Minute,
	}
}

// Publish enqueues the message for every matching queue group, or buffers it
// until a matching consumer subscribes.
func (b *MemoryBus) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}

	if msgID != "" {
		if first, dup := b.seen[msgID]; dup && time.Since(first) < b.DedupWindow {
			b.mu.Unlock()
			b.logger.Debug("Publish deduplicated",
				zap.String("subject", subject),
				zap.String("msg_id", msgID),
			)
			return nil
		}
		b.seen[msgID] = time.Now()
		b.evictSeenLocked()
	}

	// Copy the payload; callers may reuse their buffer.
	msg := &delivery{subject: subject, msgID: msgID, data: append([]byte(nil), data...), attempt: 1}

	var groups []*queueGroup
	for _, qg := range b.queues {
		if matches(subject, qg.subject, qg.pattern) {
			groups = append(groups, qg)
		}
	}
	if len(groups) == 0 {
		b.pending[subject] = append(b.pending[subject], msg)
		b.mu.Unlock()
		b.logger.Debug("Buffered message awaiting a consumer", zap.String("subject", subject))
		return nil
	}
	b.mu.Unlock()

	for _, qg := range groups {
		b.enqueue(qg, msg)
	}
	return nil
}

// QueueSubscribe registers a handler in a queue group and drains any
// buffered messages the group's subject matches.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}

	queueKey := queue + ":" + subject
	qg, ok := b.queues[queueKey]
	if !ok {
		qg = &queueGroup{
			subject: subject,
			pattern: compilePattern(subject),
			ch:      make(chan *delivery, 1024),
		}
		b.queues[queueKey] = qg
		go b.dispatchLoop(qg)
	}

	sub := &memorySubscription{bus: b, queueKey: queueKey, handler: handler, active: true}
	qg.mu.Lock()
	qg.subscribers = append(qg.subscribers, sub)
	qg.mu.Unlock()

	// Collect buffered messages this consumer's subject matches.
	var backlog []*delivery
	for pendingSubject, msgs := range b.pending {
		if matches(pendingSubject, subject, qg.pattern) {
			backlog = append(backlog, msgs...)
			delete(b.pending, pendingSubject)
		}
	}
	b.mu.Unlock()

	for _, msg := range backlog {
		b.enqueue(qg, msg)
	}

	b.logger.Debug("Queue subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return sub, nil
}

func (b *MemoryBus) enqueue(qg *queueGroup, msg *delivery) {
	select {
	case qg.ch <- msg:
	case <-b.done:
	}
}

// dispatchLoop serializes deliveries for one queue group.
func (b *MemoryBus) dispatchLoop(qg *queueGroup) {
	for {
		select {
		case <-b.done:
			return
		case msg := <-qg.ch:
			b.handleDelivery(qg, msg)
		}
	}
}

// handleDelivery hands the message to the next active subscriber,
// round-robin. A handler error schedules a redelivery until the attempt
// budget is spent.
func (b *MemoryBus) handleDelivery(qg *queueGroup, msg *delivery) {
	qg.mu.Lock()
	var target *memorySubscription
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			target = sub
			break
		}
	}
	qg.mu.Unlock()

	if target == nil {
		b.mu.Lock()
		if !b.closed {
			b.pending[msg.subject] = append(b.pending[msg.subject], msg)
		}
		b.mu.Unlock()
		return
	}

	if err := target.handler(context.Background(), msg.subject, msg.data); err != nil {
		b.logger.Error("Handler failed",
			zap.String("subject", msg.subject),
			zap.Int("delivery_attempt", msg.attempt),
			zap.Error(err),
		)
		b.scheduleRedelivery(qg, msg)
	}
}

func (b *MemoryBus) scheduleRedelivery(qg *queueGroup, msg *delivery) {
	if msg.attempt >= b.MaxDeliver {
		b.logger.Error("Message exhausted delivery attempts",
			zap.String("subject", msg.subject),
			zap.String("msg_id", msg.msgID),
			zap.Int("attempts", msg.attempt),
		)
		return
	}
	next := &delivery{subject: msg.subject, msgID: msg.msgID, data: msg.data, attempt: msg.attempt + 1}
	time.AfterFunc(b.RedeliverDelay, func() {
		b.enqueue(qg, next)
	})
}

// evictSeenLocked trims expired dedup entries. Called with b.mu held.
func (b *MemoryBus) evictSeenLocked() {
	if len(b.seen) < 1024 {
		return
	}
	cutoff := time.Now().Add(-b.DedupWindow)
	for id, first := range b.seen {
		if first.Before(cutoff) {
			delete(b.seen, id)
		}
	}
}

// Close stops delivery. Buffered and in-flight messages are discarded.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
	for _, qg := range b.queues {
		qg.mu.Lock()
		for _, sub := range qg.subscribers {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		qg.mu.Unlock()
	}
	b.queues = make(map[string]*queueGroup)
	b.pending = make(map[string][]*delivery)

	b.logger.Info("Memory bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if qg, ok := s.bus.queues[s.queueKey]; ok {
		qg.mu.Lock()
		for i, sub := range qg.subscribers {
			if sub == s {
				qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
				break
			}
		}
		qg.mu.Unlock()
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks a subject against a pattern with NATS-style wildcards:
// * matches one token, > matches the remaining tokens.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	return regex != nil && regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp. Plain subjects
// compile to nil and match by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves > alone; it is not a regexp metacharacter.
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
