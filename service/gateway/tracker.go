package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/Logan27/mini-messenger-sub000/logger"

	"go.uber.org/zap"
)

// DeliveryState is the per (message, target) lifecycle:
// SENT -> DELIVERED -> READ, with SENT -> READ allowed directly and a
// SENT -> DELIVERY_TIMEOUT branch that later acks may still override.
type DeliveryState int

const (
	StateSent DeliveryState = iota
	StateDelivered
	StateRead
	StateTimeout
)

func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "SENT"
	case StateDelivered:
		return "DELIVERED"
	case StateRead:
		return "READ"
	case StateTimeout:
		return "DELIVERY_TIMEOUT"
	}
	return "UNKNOWN"
}

// Notifier carries ack notifications back to a sender across all their
// connections and instances. The Registry satisfies it via BroadcastToUser.
type Notifier interface {
	BroadcastToUser(userID, event string, frame []byte)
}

type deliveryKey struct {
	messageID string
	target    string
}

// record is one live delivery obligation with its cancellable timer.
type record struct {
	env   *MessageEnvelope
	timer *time.Timer
}

// receipt keeps the last observed state after the live record is gone, so
// late and duplicate acks stay idempotent; swept after a retention period.
type receipt struct {
	env     *MessageEnvelope
	state   DeliveryState
	updated time.Time
}

type TrackerConf struct {
	DeliveryTimeout  time.Duration
	FlushInterval    time.Duration
	RecoveryGap      int64
	ReceiptRetention time.Duration
	SweepEvery       time.Duration
	Clock            func() time.Time
}

func (c *TrackerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.RecoveryGap <= 0 {
		c.RecoveryGap = 1000
	}
	if c.ReceiptRetention <= 0 {
		c.ReceiptRetention = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
}

// Tracker owns per-sender sequence counters and the delivery/read lifecycle
// of in-flight messages on this instance.
type Tracker struct {
	mu       sync.Mutex
	seqs     map[string]int64 // sender -> last issued
	loaded   map[string]bool
	dirty    map[string]int64 // sender -> last unflushed
	records  map[deliveryKey]*record
	receipts map[deliveryKey]*receipt

	counter CounterStore
	notify  Notifier
	conf    TrackerConf
	log     *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf TrackerConf, counter CounterStore, notify Notifier) *Tracker {
	conf.norm()
	t := &Tracker{
		seqs:     make(map[string]int64),
		loaded:   make(map[string]bool),
		dirty:    make(map[string]int64),
		records:  make(map[deliveryKey]*record),
		receipts: make(map[deliveryKey]*receipt),
		counter:  counter,
		notify:   notify,
		conf:     conf,
		log:      logger.Named("tracker"),
		stopCh:   make(chan struct{}),
	}
	go t.flusher()
	go t.sweeper()
	return t
}

func seqKey(senderID string) string { return "seq:" + senderID }

// NextSequence issues the sender's next strictly increasing sequence number.
// Counters are flushed to the durable store on an interval, not per message;
// after a restart the counter resumes at flushed+RecoveryGap so a crash
// between assignment and flush can leave a gap but never a duplicate.
func (t *Tracker) NextSequence(ctx context.Context, senderID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded[senderID] {
		stored, err := t.counter.Get(ctx, seqKey(senderID))
		if err != nil {
			return 0, err
		}
		if stored > 0 {
			t.seqs[senderID] = stored + t.conf.RecoveryGap
		}
		t.loaded[senderID] = true
	}
	next := t.seqs[senderID] + 1
	t.seqs[senderID] = next
	t.dirty[senderID] = next
	return next, nil
}

// TrackDelivery creates the delivery record for (message, target) and arms
// the timeout. At most one live record exists per pair.
func (t *Tracker) TrackDelivery(messageID, target string, env *MessageEnvelope) {
	k := deliveryKey{messageID, target}
	now := t.conf.Clock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[k]; exists {
		return
	}
	rec := &record{env: env}
	rec.timer = time.AfterFunc(t.conf.DeliveryTimeout, func() { t.expire(k) })
	t.records[k] = rec
	t.receipts[k] = &receipt{env: env, state: StateSent, updated: now}
}

// expire is the timeout path: a soft, logged outcome, never an error to the
// sender. The timer and record go away atomically; the receipt stays so a
// late ack is still honored.
func (t *Tracker) expire(k deliveryKey) {
	t.mu.Lock()
	rec, ok := t.records[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.records, k)
	if rcpt := t.receipts[k]; rcpt != nil && rcpt.state == StateSent {
		rcpt.state = StateTimeout
		rcpt.updated = t.conf.Clock()
	}
	t.mu.Unlock()

	t.log.Info("delivery timeout",
		zap.String("message_id", k.messageID),
		zap.String("target", k.target),
		zap.String("sender", rec.env.SenderID))
}

// AckDelivered cancels the timeout, retires the record and notifies the
// sender. Duplicate acks and acks after READ are no-ops. Returns whether this
// instance knows the (message, target) pair at all; false means the record
// lives on another instance and the ack should travel over the bus.
func (t *Tracker) AckDelivered(messageID, target string) bool {
	k := deliveryKey{messageID, target}

	t.mu.Lock()
	if rec, ok := t.records[k]; ok {
		rec.timer.Stop()
		delete(t.records, k)
	}
	rcpt := t.receipts[k]
	if rcpt == nil {
		t.mu.Unlock()
		return false
	}
	if rcpt.state == StateDelivered || rcpt.state == StateRead {
		t.mu.Unlock()
		return true
	}
	rcpt.state = StateDelivered
	rcpt.updated = t.conf.Clock()
	sender := rcpt.env.SenderID
	t.mu.Unlock()

	t.notify.BroadcastToUser(sender, FrameDelivered.String(), BuildDelivered(messageID, target))
	return true
}

// AckRead transitions (message, reader) to READ and notifies the sender
// exactly once. A reader acking their own message is a no-op, as is a second
// read. Returns whether the pair is known here, like AckDelivered.
func (t *Tracker) AckRead(messageID, readerID string) bool {
	k := deliveryKey{messageID, readerID}

	t.mu.Lock()
	rcpt := t.receipts[k]
	if rcpt == nil {
		t.mu.Unlock()
		return false
	}
	if rcpt.state == StateRead || rcpt.env.SenderID == readerID {
		t.mu.Unlock()
		return true
	}
	if rec, ok := t.records[k]; ok {
		rec.timer.Stop()
		delete(t.records, k)
	}
	rcpt.state = StateRead
	rcpt.updated = t.conf.Clock()
	sender := rcpt.env.SenderID
	t.mu.Unlock()

	t.notify.BroadcastToUser(sender, FrameRead.String(), BuildRead(messageID, readerID))
	return true
}

// PendingCount reports live delivery records, for tests and introspection.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// StateOf returns the tracked state for (message, target) if still known.
func (t *Tracker) StateOf(messageID, target string) (DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rcpt, ok := t.receipts[deliveryKey{messageID, target}]; ok {
		return rcpt.state, true
	}
	return StateSent, false
}

func (t *Tracker) flusher() {
	ticker := time.NewTicker(t.conf.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			t.FlushNow()
			return
		case <-ticker.C:
			t.FlushNow()
		}
	}
}

// FlushNow writes every dirty sequence counter to the durable store.
func (t *Tracker) FlushNow() {
	t.mu.Lock()
	dirty := t.dirty
	t.dirty = make(map[string]int64)
	t.mu.Unlock()

	if len(dirty) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for sender, v := range dirty {
		if err := t.counter.Set(ctx, seqKey(sender), v); err != nil {
			t.log.Warn("sequence flush failed", zap.String("sender", sender), zap.Error(err))
			t.mu.Lock()
			if _, still := t.dirty[sender]; !still {
				t.dirty[sender] = v
			}
			t.mu.Unlock()
		}
	}
}

func (t *Tracker) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweepOnce(now)
		}
	}
}

// sweepOnce drops settled receipts older than the retention period. Live
// records keep their receipts regardless of age.
func (t *Tracker) sweepOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, rcpt := range t.receipts {
		if _, live := t.records[k]; live {
			continue
		}
		if now.Sub(rcpt.updated) > t.conf.ReceiptRetention {
			delete(t.receipts, k)
		}
	}
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, rec := range t.records {
		rec.timer.Stop()
		delete(t.records, k)
	}
}
