package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers operator messages. Delivery is best effort: failures are
// logged and never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Sender is one delivery channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

const queueSize = 64

// Dispatcher queues messages and fans each one out to every sender, each
// under its own timeout. Notify never waits on delivery; when the queue is
// full the message is dropped and logged.
type Dispatcher struct {
	senders []Sender
	timeout time.Duration
	queue   chan Message
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(timeout time.Duration, senders ...Sender) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		senders: senders,
		timeout: timeout,
		queue:   make(chan Message, queueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, subject, body string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Warn().Str("component", "notify").Str("subject", subject).Msg("notification after close dropped")
		return
	}
	select {
	case d.queue <- Message{Subject: subject, Body: body}:
	default:
		log.Warn().Str("component", "notify").Str("subject", subject).Msg("notification queue full, message dropped")
	}
}

// Close stops accepting messages and waits for the queued ones to go out
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for m := range d.queue {
		d.send(m)
	}
}

func (d *Dispatcher) send(m Message) {
	var wg sync.WaitGroup
	for _, s := range d.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Send(sendCtx, m.Subject, m.Body); err != nil {
				log.Warn().Err(err).Str("component", "notify").Str("sender", s.Name()).Str("subject", m.Subject).Msg("notification failed")
			}
		}(s)
	}
	wg.Wait()
}

// Dedupe drops a message identical to the previous one it forwarded.
type Dedupe struct {
	next Notifier

	mu   sync.Mutex
	last string
}

func NewDedupe(next Notifier) *Dedupe {
	return &Dedupe{next: next}
}

func (d *Dedupe) Notify(ctx context.Context, subject, body string) {
	key := subject + "\x00" + body
	d.mu.Lock()
	if key == d.last {
		d.mu.Unlock()
		log.Debug().Str("component", "notify").Str("subject", subject).Msg("duplicate notification suppressed")
		return
	}
	d.last = key
	d.mu.Unlock()
	d.next.Notify(ctx, subject, body)
}

// Reset lets the next message through even if it repeats the last one.
func (d *Dedupe) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
}

type Message struct {
	Subject string
	Body    string
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(ctx context.Context, subject, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Body: body})
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Log writes messages to the process log. It is always configured so an
// operator without any remote channel still sees them.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Send(ctx context.Context, subject, body string) error {
	log.Info().Str("component", "notify").Str("subject", subject).Msg(body)
	return nil
}
