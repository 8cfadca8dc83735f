package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Broker is the MQTT connection used by the command channel
type Broker interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
	Publish(topic string, payload []byte) error
}

// Command is a remote command received over MQTT
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response answers a Command
type Response struct {
	CommandAck string          `json:"command_ack"`
	RequestID  string          `json:"request_id,omitempty"`
	Status     string          `json:"status"`
	Code       int             `json:"code"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// MQTTChannel carries remote commands and desired-state updates over MQTT.
//
//	<prefix>/commands  -> Command      <prefix>/responses -> Response
//	<prefix>/desired   -> DesiredState <prefix>/reported  -> ReportedState
type MQTTChannel struct {
	rc     *RemoteControl
	broker Broker
	prefix string
	logger *zap.SugaredLogger
	now    func() time.Time

	// inbound is drained by Start, never by the broker's callback goroutine
	inbound chan inboundMessage
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// inboundQueueSize bounds the messages waiting for the worker
const inboundQueueSize = 10

// NewMQTTChannel creates a command channel rooted at prefix
func NewMQTTChannel(rc *RemoteControl, broker Broker, prefix string, logger *zap.SugaredLogger) *MQTTChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MQTTChannel{
		rc:      rc,
		broker:  broker,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger,
		now:     time.Now,
		inbound: make(chan inboundMessage, inboundQueueSize),
	}
}

func (c *MQTTChannel) topic(name string) string {
	return c.prefix + "/" + name
}

// Start subscribes to the command and desired-state topics and processes
// messages until ctx is cancelled. Broker callbacks only enqueue, so replies
// published here never block the client's message router.
func (c *MQTTChannel) Start(ctx context.Context) error {
	if err := c.broker.Subscribe(c.topic("commands"), c.enqueue); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	if err := c.broker.Subscribe(c.topic("desired"), c.enqueue); err != nil {
		return fmt.Errorf("desired state subscription failed: %w", err)
	}
	c.logger.Infow("MQTT control channel started", "prefix", c.prefix)

	c.process(ctx)

	if err := c.broker.Unsubscribe(c.topic("commands"), c.topic("desired")); err != nil {
		c.logger.Warnw("Failed to unsubscribe control topics", "error", err)
	}
	c.logger.Info("MQTT control channel stopped")
	return nil
}

// PublishProperties reports the device description on the reported topic
func (c *MQTTChannel) PublishProperties(props DeviceProperties) error {
	payload, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return c.broker.Publish(c.topic("reported"), payload)
}

// enqueue is the broker callback
func (c *MQTTChannel) enqueue(topic string, payload []byte) {
	select {
	case c.inbound <- inboundMessage{topic: topic, payload: payload}:
	default:
		c.logger.Warnw("Control queue full, dropping message", "topic", topic)
	}
}

func (c *MQTTChannel) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbound:
			switch msg.topic {
			case c.topic("commands"):
				c.handleCommand(msg.topic, msg.payload)
			case c.topic("desired"):
				c.handleDesired(msg.topic, msg.payload)
			}
		}
	}
}

func (c *MQTTChannel) handleCommand(_ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Warnw("Failed to parse control command", "error", err)
		c.respond(Response{
			CommandAck: "unknown",
			Status:     "error",
			Code:       http.StatusBadRequest,
			Error:      "invalid JSON",
		})
		return
	}

	code, body := c.rc.Invoke(context.Background(), cmd.Command, cmd.Params)

	resp := Response{
		CommandAck: cmd.Command,
		RequestID:  cmd.RequestID,
		Code:       code,
		Status:     "success",
	}
	if code >= 300 {
		resp.Status = "error"
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			resp.Error = e.Error
		}
	}
	if resp.Error == "" {
		resp.Data = body
	}
	c.respond(resp)
}

func (c *MQTTChannel) handleDesired(_ string, payload []byte) {
	var desired DesiredState
	if err := json.Unmarshal(payload, &desired); err != nil {
		c.logger.Warnw("Failed to parse desired state", "error", err)
		return
	}

	c.logger.Infow("Desired state received", "due", desired.Due, "period", desired.Period)
	applied, err := c.rc.ApplyDesiredState(desired)
	if err != nil {
		c.logger.Warnw("Desired state rejected", "error", err)
		applied = c.rc.Reported()
	}

	out, err := json.Marshal(applied)
	if err != nil {
		return
	}
	if err := c.broker.Publish(c.topic("reported"), out); err != nil {
		c.logger.Warnw("Failed to publish reported state", "error", err)
	}
}

func (c *MQTTChannel) respond(resp Response) {
	resp.Timestamp = c.now().UTC().Format(time.RFC3339)
	out, err := json.Marshal(resp)
	if err != nil {
		c.logger.Errorw("Failed to encode response", "error", err)
		return
	}
	if err := c.broker.Publish(c.topic("responses"), out); err != nil {
		c.logger.Warnw("Failed to publish response", "error", err)
	}
}
