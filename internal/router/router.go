// Package router demultiplexes inbound sensor messages into typed event
// records, computes ingest latency, and hands each event to persistence
// and live distribution.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vigia-iot/vigia/internal/config"
	"github.com/vigia-iot/vigia/internal/metrics"
	"github.com/vigia-iot/vigia/internal/types"
)

// EventStore is the append-only persistence surface the router writes to.
type EventStore interface {
	InsertRFIDRead(ctx context.Context, r types.RFIDRead) error
	InsertZoneStatus(ctx context.Context, z types.ZoneStatus) error
	InsertTamperEvent(ctx context.Context, t types.TamperEvent) error
	InsertVisionBatch(ctx context.Context, events []types.VisionEvent) error
}

// LiveBus receives one live event per routed message.
type LiveBus interface {
	Publish(ev types.LiveEvent)
}

type inbound struct {
	topic   string
	payload []byte
}

// Router routes inbound messages. Messages are processed by a single
// goroutine in arrival order; HandleMessage only enqueues, so the
// transport's receive loop is never held for longer than one enqueue.
type Router struct {
	topics  config.MQTTTopics
	store   EventStore
	bus     LiveBus
	metrics *metrics.Metrics

	in  chan inbound
	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a router with the given collaborators.
func New(topics config.MQTTTopics, store EventStore, bus LiveBus, m *metrics.Metrics) *Router {
	return &Router{
		topics:  topics,
		store:   store,
		bus:     bus,
		metrics: m,
		in:      make(chan inbound, 256),
		now:     time.Now,
	}
}

// Start launches the ingest loop. On cancellation the loop drains
// whatever is already queued before exiting, so accepted messages are
// not lost at shutdown.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				r.drain(context.WithoutCancel(ctx))
				return
			case msg := <-r.in:
				r.process(ctx, msg.topic, msg.payload)
			}
		}
	}()
}

// drain processes queued messages until the queue is empty. Runs with
// an uncancelled context so persistence writes still go through.
func (r *Router) drain(ctx context.Context) {
	for {
		select {
		case msg := <-r.in:
			r.process(ctx, msg.topic, msg.payload)
		default:
			return
		}
	}
}

// Wait blocks until the ingest loop has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

// HandleMessage enqueues one inbound message. When the queue is full the
// call blocks until the ingest loop catches up, which pushes backpressure
// onto the transport rather than dropping telemetry.
func (r *Router) HandleMessage(topic string, payload []byte) {
	msg := inbound{topic: topic, payload: payload}
	select {
	case r.in <- msg:
	default:
		slog.Warn("ingest queue full, transport receive loop will stall",
			"topic", topic,
			"queue_len", len(r.in),
		)
		r.in <- msg
	}
}

// process handles one message: decode, latency, one persistence write,
// one live publish. Persistence failures are logged and do not suppress
// distribution.
func (r *Router) process(ctx context.Context, topic string, payload []byte) {
	tsServer := r.now().UTC()
	tsServerStr := tsServer.Format(time.RFC3339Nano)

	decoded, malformed := decodePayload(payload)
	if malformed {
		r.metrics.MalformedPayloads.Inc()
		slog.Warn("malformed payload, storing raw record",
			"topic", topic,
			"size", len(payload),
		)
	}

	tsClient := getString(decoded, "ts")
	if tsClient == "" {
		// Missing client timestamp: substitute the server timestamp, so
		// latency comes out as exactly 0 rather than null.
		tsClient = tsServerStr
	}
	latency := computeLatency(tsClient, tsServer)

	var storeErr error
	switch topic {
	case r.topics.RFID:
		storeErr = r.store.InsertRFIDRead(ctx, types.RFIDRead{
			TsClient:  tsClient,
			TsServer:  tsServer,
			Tag:       getString(decoded, "tag"),
			Gate:      getString(decoded, "gate"),
			RSSI:      getFloat(decoded, "rssi"),
			LatencyMS: latency,
		})
	case r.topics.Zone:
		storeErr = r.store.InsertZoneStatus(ctx, types.ZoneStatus{
			TsClient:  tsClient,
			TsServer:  tsServer,
			Zone:      getString(decoded, "zone"),
			Count:     getInt(decoded, "count"),
			LatencyMS: latency,
		})
	case r.topics.Tamper:
		storeErr = r.store.InsertTamperEvent(ctx, types.TamperEvent{
			TsClient:  tsClient,
			TsServer:  tsServer,
			Device:    getString(decoded, "device"),
			State:     types.TamperState(getString(decoded, "state")),
			LatencyMS: latency,
		})
	case r.topics.Detections:
		events := visionEvents(decoded, tsClient, tsServer, latency)
		storeErr = r.store.InsertVisionBatch(ctx, events)
	default:
		// Unknown topic: nothing to persist, still distributed live.
	}

	if storeErr != nil {
		r.metrics.StoreErrors.Inc()
		slog.Error("persistence write rejected, event still distributed",
			"topic", topic,
			"error", storeErr,
		)
	}

	r.metrics.EventsIngested.WithLabelValues(topic).Inc()

	livePayload, err := json.Marshal(decoded)
	if err != nil {
		// Cannot happen for map[string]any built from JSON or raw text,
		// but never let the live path die on it.
		livePayload = []byte("{}")
	}

	r.bus.Publish(types.LiveEvent{
		Topic:     topic,
		Payload:   livePayload,
		TsServer:  tsServerStr,
		LatencyMS: latency,
	})
}

// decodePayload parses the message body as a JSON object. Anything else
// degrades to a raw passthrough record instead of being discarded.
func decodePayload(payload []byte) (map[string]any, bool) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded == nil {
		return map[string]any{"raw": string(payload)}, true
	}
	return decoded, false
}

// computeLatency derives the signed ingest latency in milliseconds:
// positive when the server observes the message after its claimed client
// time. Returns nil when the client timestamp cannot be parsed.
func computeLatency(tsClient string, tsServer time.Time) *int64 {
	client, ok := parseTimestamp(tsClient)
	if !ok {
		return nil
	}
	ms := tsServer.Sub(client).Milliseconds()
	return &ms
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 timestamps and the zone-less ISO forms
// some sensors emit; naive timestamps are interpreted as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// visionEvents expands a detection message into one row per prediction,
// all sharing the message's timestamps and latency.
func visionEvents(decoded map[string]any, tsClient string, tsServer time.Time, latency *int64) []types.VisionEvent {
	raw, ok := decoded["predictions"]
	if !ok || raw == nil {
		return nil
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var preds []types.Prediction
	if err := json.Unmarshal(buf, &preds); err != nil {
		slog.Warn("unreadable predictions list, storing none", "error", err)
		return nil
	}

	events := make([]types.VisionEvent, 0, len(preds))
	for _, p := range preds {
		ev := types.VisionEvent{
			TsClient:   tsClient,
			TsServer:   tsServer,
			Class:      p.Class,
			Confidence: &p.Confidence,
			X:          &p.X,
			Y:          &p.Y,
			Width:      &p.Width,
			Height:     &p.Height,
			LatencyMS:  latency,
		}
		if p.TrackID != "" {
			ev.TrackID = &p.TrackID
		}
		events = append(events, ev)
	}
	return events
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) *float64 {
	if v, ok := m[key].(float64); ok {
		return &v
	}
	return nil
}

func getInt(m map[string]any, key string) *int64 {
	if v, ok := m[key].(float64); ok {
		n := int64(v)
		return &n
	}
	return nil
}
