package event

import "sync"

// bus fans stored events out to subscribers. Each subscriber owns an
// unbounded mailbox drained by its own goroutine, so a slow consumer delays
// only itself and never stalls appends. Delivery is lossless and preserves
// append order per subscriber.
type bus struct {
	mu     sync.Mutex
	subs   map[int]*mailbox
	nextID int
	closed bool
}

type mailbox struct {
	mu    sync.Mutex
	queue []*Envelope
	wake  chan struct{}
	done  chan struct{}
	out   chan *Envelope
	once  sync.Once
}

func newBus() *bus {
	return &bus{subs: make(map[int]*mailbox)}
}

// subscribe registers a consumer and returns its channel plus a cancel
// function. Cancel is idempotent and safe to call while events are in flight.
func (b *bus) subscribe() (<-chan *Envelope, func()) {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan *Envelope),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(m.out)
		return m.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = m
	b.mu.Unlock()

	go m.run()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		m.stop()
	}
	return m.out, cancel
}

// publish enqueues events on every subscriber mailbox. Called with the
// store's append lock held so subscribers observe the global append order.
func (b *bus) publish(events []*Envelope) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	targets := make([]*mailbox, 0, len(b.subs))
	for _, m := range b.subs {
		targets = append(targets, m)
	}
	b.mu.Unlock()

	for _, m := range targets {
		m.enqueue(events)
	}
}

// close stops every subscriber. Pending queued events are dropped; the store
// only closes on shutdown.
func (b *bus) close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*mailbox)
	b.mu.Unlock()

	for _, m := range subs {
		m.stop()
	}
}

func (m *mailbox) enqueue(events []*Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, events...)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, ev := range batch {
			select {
			case m.out <- ev:
			case <-m.done:
				return
			}
		}

		select {
		case <-m.wake:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}
