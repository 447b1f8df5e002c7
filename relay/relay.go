// Package relay forwards committed events to a message broker. It runs on a
// cron schedule, reads the event log from a cursor and publishes each event
// once, in order; the cursor only advances past events the broker accepted.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"xdao.co/agentpay/events"
)

const (
	DefaultSchedule   = "@every 5s"
	DefaultRoutingKey = "agentpay.events"
	DefaultBatch      = 100
)

// Message is one published event.
type Message struct {
	// ID is stable per network and event seq, so consumers can drop
	// redeliveries.
	ID         string
	RoutingKey string
	Kind       events.Kind
	Seq        uint64
	Body       []byte
}

// Publisher delivers messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

type Options struct {
	Network string
	// Schedule is a cron spec; DefaultSchedule when empty.
	Schedule string
	// RoutingKey is the key prefix; the event kind is appended, e.g.
	// "agentpay.events.PaymentRequested".
	RoutingKey string
	// Batch bounds the events published per tick.
	Batch int
	// Cursor is the seq of the last event already published.
	Cursor uint64
	// Filter restricts which events are published.
	Filter events.Filter
	Logger *zerolog.Logger
	// OnCursor, if set, is called after the cursor advances so it can be
	// persisted.
	OnCursor func(uint64)
}

type Relay struct {
	log  *events.Log
	pub  Publisher
	opts Options
	cron *cron.Cron

	logger zerolog.Logger

	mu     sync.Mutex
	cursor uint64
}

var idSpace = uuid.MustParse("5b7d6c0e-7f1f-4e55-9b7a-1d2a3c4b5e6f")

// MessageID returns the message id of event seq on network.
func MessageID(network string, seq uint64) string {
	return uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("%s/%d", network, seq))).String()
}

func New(log *events.Log, pub Publisher, opts Options) (*Relay, error) {
	if log == nil || pub == nil {
		return nil, errors.New("relay: event log and publisher are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = DefaultRoutingKey
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	r := &Relay{
		log:    log,
		pub:    pub,
		opts:   opts,
		cron:   cron.New(),
		logger: zerolog.Nop(),
		cursor: opts.Cursor,
	}
	if opts.Logger != nil {
		r.logger = opts.Logger.With().Str("component", "relay").Logger()
	}
	if err := r.cron.AddFunc(opts.Schedule, r.tick); err != nil {
		return nil, fmt.Errorf("relay: schedule %q: %w", opts.Schedule, err)
	}
	return r, nil
}

// Cursor returns the seq of the last published event.
func (r *Relay) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Relay) Start() {
	r.logger.Info().Str("schedule", r.opts.Schedule).Uint64("cursor", r.Cursor()).Msg("relay started")
	r.cron.Start()
}

// Stop halts the schedule. A tick already running is not interrupted.
func (r *Relay) Stop() {
	r.cron.Stop()
	r.logger.Info().Uint64("cursor", r.Cursor()).Msg("relay stopped")
}

func (r *Relay) tick() {
	n, err := r.Flush(context.Background())
	if err != nil {
		r.logger.Error().Err(err).Int("published", n).Msg("relay tick failed")
		return
	}
	if n > 0 {
		r.logger.Debug().Int("published", n).Uint64("cursor", r.Cursor()).Msg("relay tick")
	}
}

// Flush publishes up to one batch of events after the cursor and returns how
// many were published. Overlapping calls are serialized.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if start := r.cursor; r.opts.OnCursor != nil {
		defer func() {
			if r.cursor != start {
				r.opts.OnCursor(r.cursor)
			}
		}()
	}

	batch := r.log.Since(r.cursor, r.opts.Batch)
	published := 0
	for _, e := range batch {
		if r.opts.Filter.Match(e) {
			m, err := r.message(e)
			if err != nil {
				return published, err
			}
			if err := r.pub.Publish(ctx, m); err != nil {
				return published, fmt.Errorf("relay: publish seq %d: %w", e.Seq, err)
			}
			published++
		}
		r.cursor = e.Seq
	}
	return published, nil
}

func (r *Relay) message(e events.Event) (Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return Message{}, fmt.Errorf("relay: encode seq %d: %w", e.Seq, err)
	}
	return Message{
		ID:         MessageID(r.opts.Network, e.Seq),
		RoutingKey: r.opts.RoutingKey + "." + string(e.Kind()),
		Kind:       e.Kind(),
		Seq:        e.Seq,
		Body:       body,
	}, nil
}
