package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mychat/api/internal/timeline"
)

// HistorySize is how many message events each channel keeps for rewind.
const HistorySize = 50

// Broker fans events out to every API instance. Each instance hands received
// events to Hub.Deliver.
type Broker interface {
	Publish(ctx context.Context, event Event) error
}

// Hub routes events to the clients subscribed to each channel.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}

	history *timeline.Cache

	brokerMu sync.RWMutex
	broker   Broker
}

// NewHub returns a hub that delivers locally until a broker is set.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		history: timeline.NewCache(timeline.DefaultWindow, HistorySize),
	}
}

// SetBroker routes published events through b instead of delivering locally.
func (h *Hub) SetBroker(b Broker) {
	h.brokerMu.Lock()
	h.broker = b
	h.brokerMu.Unlock()
}

// Bridged reports whether events currently go through a broker.
func (h *Hub) Bridged() bool {
	h.brokerMu.RLock()
	defer h.brokerMu.RUnlock()
	return h.broker != nil
}

// Publish builds an event and fans it out. When a broker is set the event
// reaches local clients through the broker; if the broker fails it is
// delivered locally only.
func (h *Hub) Publish(ctx context.Context, channel, name string, data any) (Event, error) {
	event, err := NewEvent(channel, name, data)
	if err != nil {
		return Event{}, err
	}
	h.PublishEvent(ctx, event)
	return event, nil
}

func (h *Hub) PublishEvent(ctx context.Context, event Event) {
	h.brokerMu.RLock()
	broker := h.broker
	h.brokerMu.RUnlock()

	if broker != nil {
		err := broker.Publish(ctx, event)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("component", "realtime").Str("channel", event.Channel).Msg("broker publish failed, delivering locally")
	}
	h.Deliver(event)
}

// Deliver records event in the channel history and enqueues it for local
// subscribers. Clients that cannot keep up are disconnected.
func (h *Hub) Deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("component", "realtime").Msg("marshal event")
		return
	}

	h.mu.RLock()
	if isHistoryEvent(event.Name) && !h.remember(event) {
		h.mu.RUnlock()
		log.Debug().Str("component", "realtime").Str("channel", event.Channel).Msg("duplicate event dropped")
		return
	}
	targets := make([]*Client, 0, len(h.subs[event.Channel]))
	for c := range h.subs[event.Channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			log.Warn().Str("component", "realtime").Str("client", c.ID()).Str("channel", event.Channel).Msg("client send queue full, disconnecting")
			h.Remove(c)
			c.Close()
		}
	}
}

func (h *Hub) remember(event Event) bool {
	var fields historyFields
	_ = json.Unmarshal(event.Data, &fields)
	ts := time.UnixMilli(event.Timestamp)
	if parsed, err := time.Parse(time.RFC3339Nano, fields.Timestamp); err == nil {
		ts = parsed
	}
	// Stored messages carry an id; two ids are two messages even when their
	// content matches.
	_, added := h.history.AddByID(event.Channel, timeline.Entry{
		ID:        fields.ID,
		SenderID:  fields.SenderID,
		Body:      fields.Message,
		FileURL:   fields.FileURL,
		Timestamp: ts,
		Value:     event,
	})
	return added
}

// History returns the remembered message events of channel, oldest first.
func (h *Hub) History(channel string) []Event {
	entries := h.history.Entries(channel)
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		if event, ok := entry.Value.(Event); ok {
			events = append(events, event)
		}
	}
	return events
}

// Subscribe adds c to channel. With rewind, the channel history is queued
// for c before any new event.
func (h *Hub) Subscribe(c *Client, channel string, rewind bool) {
	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Client]struct{})
	}
	h.subs[channel][c] = struct{}{}
	if h.clients[c] == nil {
		h.clients[c] = make(map[string]struct{})
	}
	h.clients[c][channel] = struct{}{}
	var history []Event
	if rewind {
		history = h.History(channel)
	}
	// Queue history while holding the lock so Deliver cannot interleave.
	for _, event := range history {
		if payload, err := json.Marshal(event); err == nil {
			c.enqueue(payload)
		}
	}
	h.mu.Unlock()
}

// Unsubscribe stops delivering channel to c.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, channel)
}

func (h *Hub) unsubscribeLocked(c *Client, channel string) {
	if subs, ok := h.subs[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	if channels, ok := h.clients[c]; ok {
		delete(channels, channel)
	}
}

// Remove drops every subscription of c.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.clients[c] {
		h.unsubscribeLocked(c, channel)
	}
	delete(h.clients, c)
}

func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
