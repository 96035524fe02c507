// Package hub implements the automation boundary broker. It is the
// pipeline's Sink: every Delivered or Failed outcome is stored as the latest
// for its category and fanned out to subscribed sessions.
// It is transport-agnostic: subscribers register and receive messages via
// a non-blocking Send.
package hub

import (
	"log/slog"
	"sort"
	"sync"

	"go.klb.dev/clipstage/internal/logging"
	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/pipeline"
)

// Subscriber is anything that can receive outcomes from the hub.
type Subscriber interface {
	ID() string
	Info() message.SubscriberInfo
	// Send delivers a message to the subscriber. Must be non-blocking.
	Send(*message.Message)
}

// Hub routes outcomes to every registered subscriber.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]Subscriber
	latest map[string]pipeline.Outcome // category -> latest outcome
	last   *pipeline.Outcome
}

// New returns an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		log:    logging.Component(logger, "hub"),
		subs:   make(map[string]Subscriber),
		latest: make(map[string]pipeline.Outcome),
	}
}

// Register adds a subscriber and immediately delivers the latest outcome for
// each category it accepts, or the latest overall when it accepts all.
func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	info := s.Info()
	var replay []pipeline.Outcome
	if len(info.Categories) == 0 {
		if h.last != nil {
			replay = append(replay, *h.last)
		}
	} else {
		for _, c := range info.Categories {
			if o, ok := h.latest[c]; ok {
				replay = append(replay, o)
			}
		}
	}
	total := len(h.subs)
	h.mu.Unlock()

	h.log.Info("subscriber registered",
		"subscriber", s.ID(),
		"source", info.Source,
		"transport", info.Transport,
		"categories", info.Categories,
		"total", total,
	)

	for i := range replay {
		s.Send(&message.Message{Type: message.TypeOutcome, Outcome: &replay[i]})
	}
}

// Unregister removes a subscriber from the hub.
func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	delete(h.subs, s.ID())
	total := len(h.subs)
	h.mu.Unlock()

	h.log.Info("subscriber unregistered",
		"subscriber", s.ID(),
		"source", s.Info().Source,
		"total", total,
	)
}

// Deliver implements pipeline.Sink. It stores o as the latest outcome for
// its category and fans it out to matching subscribers.
func (h *Hub) Deliver(o pipeline.Outcome) {
	h.mu.Lock()
	h.latest[o.Category] = o
	h.last = &o

	var targets []Subscriber
	for _, s := range h.subs {
		if accepts(s.Info().Categories, o.Category) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	h.logOutcome(o, len(targets))

	for _, s := range targets {
		out := o
		s.Send(&message.Message{Type: message.TypeOutcome, Outcome: &out})
	}
}

// Latest returns the most recent outcome for category, or the most recent
// overall when category is empty.
func (h *Hub) Latest(category string) (pipeline.Outcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if category == "" {
		if h.last == nil {
			return pipeline.Outcome{}, false
		}
		return *h.last, true
	}
	o, ok := h.latest[category]
	return o, ok
}

// Subscribers returns a snapshot of all subscriber metadata, ordered by id.
func (h *Hub) Subscribers() []message.SubscriberInfo {
	h.mu.RLock()
	out := make([]message.SubscriberInfo, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s.Info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// accepts reports whether a category filter admits category. An empty
// filter admits everything.
func accepts(filter []string, category string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range filter {
		if c == category {
			return true
		}
	}
	return false
}
