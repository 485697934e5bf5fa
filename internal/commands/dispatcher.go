// Package commands publishes actuator commands and logs them.
// Fire-and-forget: success means "accepted for publish and logged", not
// "device executed".
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigia-iot/vigia/internal/metrics"
	"github.com/vigia-iot/vigia/internal/types"
)

// Publisher publishes messages to the transport.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// CommandLog appends command rows to the event store.
type CommandLog interface {
	InsertCommand(ctx context.Context, c types.Command) error
}

// Dispatcher publishes actuator commands with at-least-once intent (QoS
// provides redelivery) and writes one log row per command.
type Dispatcher struct {
	pub     Publisher
	log     CommandLog
	topic   string
	qos     byte
	metrics *metrics.Metrics

	now func() time.Time
}

// NewDispatcher creates a dispatcher for the actuator topic.
func NewDispatcher(pub Publisher, log CommandLog, topic string, qos byte, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		log:     log,
		topic:   topic,
		qos:     qos,
		metrics: m,
		now:     time.Now,
	}
}

type commandMessage struct {
	Device string `json:"device"`
	Cmd    string `json:"cmd"`
	Ts     string `json:"ts"`
}

// Send publishes one command and logs it. A transport failure is logged
// and the command is still considered accepted; a log-write failure is
// returned so the caller can report it.
func (d *Dispatcher) Send(ctx context.Context, device, cmd string) (types.Command, error) {
	tsServer := d.now().UTC()

	payload, err := json.Marshal(commandMessage{
		Device: device,
		Cmd:    cmd,
		Ts:     tsServer.Format(time.RFC3339Nano),
	})
	if err != nil {
		return types.Command{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := d.pub.Publish(d.topic, d.qos, payload); err != nil {
		slog.Error("command publish failed, command still logged",
			"device", device,
			"cmd", cmd,
			"error", err,
		)
	}

	record := types.Command{TsServer: tsServer, Device: device, Cmd: cmd}
	if err := d.log.InsertCommand(ctx, record); err != nil {
		return types.Command{}, fmt.Errorf("failed to log command: %w", err)
	}

	d.metrics.CommandsSent.Inc()

	slog.Info("command dispatched",
		"device", device,
		"cmd", cmd,
		"topic", d.topic,
	)

	return record, nil
}
