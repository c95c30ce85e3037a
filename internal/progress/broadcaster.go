// Package progress fans buffering events out to observers.
//
// Every subscription owns a one-slot mailbox and a delivery goroutine.
// Notify never blocks on an observer: a newer event replaces an undelivered
// one, so a slow observer sees fewer intermediate percentages but always the
// latest state. A terminal event is never replaced, and a subscription ends
// after delivering it.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/utils"
)

const DefaultSpeedInterval = 500 * time.Millisecond

type Callback func(utils.ProgressEvent)

type subscription struct {
	id       uuid.UUID
	url      string
	cb       Callback
	mu       sync.Mutex
	pending  *utils.ProgressEvent
	terminal bool
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(url string, cb Callback) *subscription {
	return &subscription{
		id:   uuid.New(),
		url:  url,
		cb:   cb,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscription) offer(ev utils.ProgressEvent) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.pending = &ev
	s.terminal = ev.Terminal()
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()
		if ev == nil {
			continue
		}
		s.deliver(*ev)
		if ev.Terminal() {
			s.stop()
			return
		}
	}
}

func (s *subscription) deliver(ev utils.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", "progress/deliver").Str("url", s.url).Msgf("Observer %s panicked: %v", s.id, r)
		}
	}()
	s.cb(ev)
}

type speedMeter struct {
	windowStart time.Time
	windowBytes int64
	current     string
}

func (m *speedMeter) add(n int64, now time.Time, interval time.Duration) {
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowBytes += n
	if elapsed := now.Sub(m.windowStart); elapsed >= interval {
		m.current = utils.FormatSpeed(m.windowBytes, elapsed.Seconds())
		m.windowStart = now
		m.windowBytes = 0
	}
}

type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string]map[uuid.UUID]*subscription
	last     map[string]utils.ProgressEvent
	meters   map[string]*speedMeter
	interval time.Duration
	metrics  *metrics.Collector
	closed   bool
}

func New(speedInterval time.Duration, m *metrics.Collector) *Broadcaster {
	if speedInterval <= 0 {
		speedInterval = DefaultSpeedInterval
	}
	return &Broadcaster{
		subs:     make(map[string]map[uuid.UUID]*subscription),
		last:     make(map[string]utils.ProgressEvent),
		meters:   make(map[string]*speedMeter),
		interval: speedInterval,
		metrics:  m,
	}
}

// Subscribe registers cb for url and replays the latest event for url, or
// seed when nothing was broadcast yet. A replayed terminal event ends the
// subscription right after delivery.
func (b *Broadcaster) Subscribe(url string, cb Callback, seed *utils.ProgressEvent) uuid.UUID {
	id, _ := b.Watch(url, cb, seed)
	return id
}

// Watch is Subscribe that also returns a channel closed when the
// subscription ends: after its terminal event was delivered, or when it was
// dropped by Unsubscribe, UnsubscribeAll or Close.
func (b *Broadcaster) Watch(url string, cb Callback, seed *utils.ProgressEvent) (uuid.UUID, <-chan struct{}) {
	sub := newSubscription(url, cb)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.stop()
		return sub.id, sub.done
	}
	go sub.run()

	replay, ok := b.last[url]
	if !ok && seed != nil {
		replay, ok = *seed, true
	}
	if ok && replay.Terminal() {
		sub.offer(replay)
		return sub.id, sub.done
	}
	if b.subs[url] == nil {
		b.subs[url] = make(map[uuid.UUID]*subscription)
	}
	b.subs[url][sub.id] = sub
	b.metrics.SubscriberAdded()
	if ok {
		sub.offer(replay)
	}
	return sub.id, sub.done
}

func (b *Broadcaster) Unsubscribe(url string, id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[url][id]
	if !ok {
		return false
	}
	b.removeLocked(url, sub)
	sub.stop()
	return true
}

// UnsubscribeAll drops every subscription and the replay state of url.
func (b *Broadcaster) UnsubscribeAll(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs[url])
	for _, sub := range b.subs[url] {
		b.removeLocked(url, sub)
		sub.stop()
	}
	delete(b.last, url)
	delete(b.meters, url)
	return n
}

func (b *Broadcaster) removeLocked(url string, sub *subscription) {
	delete(b.subs[url], sub.id)
	if len(b.subs[url]) == 0 {
		delete(b.subs, url)
	}
	b.metrics.SubscriberRemoved()
}

// Reset forgets the replay state of url so a new job starts from fresh
// progress. Subscriptions stay.
func (b *Broadcaster) Reset(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, url)
	delete(b.meters, url)
}

// Notify delivers a progress event. Percentages lower than the last one for
// url are dropped so observers only see progress move forward.
func (b *Broadcaster) Notify(url string, ev utils.ProgressEvent) {
	if ev.Terminal() {
		b.Finish(url, ev)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if prev, ok := b.last[url]; ok && !prev.Terminal() && ev.Buffered < prev.Buffered {
		return
	}
	ev.URL = url
	if ev.Speed == "" {
		if m, ok := b.meters[url]; ok {
			ev.Speed = m.current
		}
	}
	b.last[url] = ev
	for _, sub := range b.subs[url] {
		sub.offer(ev)
	}
}

// Finish delivers the single terminal event of a job and ends every
// subscription of url.
func (b *Broadcaster) Finish(url string, ev utils.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev.URL = url
	if ev.Speed == "" {
		if m, ok := b.meters[url]; ok {
			ev.Speed = m.current
		}
	}
	b.last[url] = ev
	for _, sub := range b.subs[url] {
		sub.offer(ev)
		b.removeLocked(url, sub)
	}
	delete(b.meters, url)
}

// RecordTransfer feeds the speed meter of url.
func (b *Broadcaster) RecordTransfer(url string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meters[url]
	if !ok {
		m = &speedMeter{}
		b.meters[url] = m
	}
	m.add(bytes, time.Now(), b.interval)
}

func (b *Broadcaster) Speed(url string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.meters[url]; ok {
		return m.current
	}
	return ""
}

func (b *Broadcaster) Last(url string) (utils.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[url]
	return ev, ok
}

func (b *Broadcaster) Subscribers(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[url])
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for url, subs := range b.subs {
		for _, sub := range subs {
			b.removeLocked(url, sub)
			sub.stop()
		}
	}
}
