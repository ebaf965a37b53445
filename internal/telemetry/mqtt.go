// Package telemetry fans feed events out to MQTT and exposes Prometheus
// collectors fed from the event bus.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/util"
)

// Topic leaves under <prefix>/<room>/.
const (
	TopicEvents   = "events"
	TopicLiveness = "liveness"
	TopicState    = "state"
	TopicStatus   = "status"
)

// MQTTHandler publishes feed events, liveness changes and status reports.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	bus    *events.EventBus
	client mqtt.Client
	logger zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect until Start.
func NewMQTTHandler(cfg *config.Config, bus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:    mqttCfg,
		bus:    bus,
		logger: util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"app_version": util.Version,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("livefeed-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects, subscribes to the bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", h.cfg.BrokerURL).Int("port", h.cfg.Port).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribe()
	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribe() {
	h.bus.Subscribe(events.EventFeedEvents, "mqtt.events", h.onEvents)
	h.bus.Subscribe(events.EventFeedLiveness, "mqtt.liveness", h.onLiveness)
	h.bus.Subscribe(events.EventFeedState, "mqtt.state", h.onState)
	h.bus.Subscribe(events.EventStatusReport, "mqtt.status", h.onStatus)
}

func (h *MQTTHandler) roomTopic(roomID int64, leaf string) string {
	return h.cfg.TopicPrefix + "/" + strconv.FormatInt(roomID, 10) + "/" + leaf
}

func (h *MQTTHandler) globalTopic(leaf string) string {
	return h.cfg.TopicPrefix + "/" + leaf
}

// publish sends payload as JSON with QoS 1. Nothing is queued while the
// client is disconnected.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onEvents(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.FeedEventsPayload)
	if !ok || len(p.Events) == 0 {
		return nil
	}
	h.publish(h.roomTopic(p.RoomID, TopicEvents), events.Wrap(p.RoomID, p.Events))
	return nil
}

func (h *MQTTHandler) onLiveness(ctx context.Context, e events.Event) error {
	if p, ok := e.Payload.(events.LivenessPayload); ok {
		h.publish(h.roomTopic(p.RoomID, TopicLiveness), p)
	}
	return nil
}

func (h *MQTTHandler) onState(ctx context.Context, e events.Event) error {
	if p, ok := e.Payload.(events.StatePayload); ok {
		h.publish(h.roomTopic(p.RoomID, TopicState), p)
	}
	return nil
}

func (h *MQTTHandler) onStatus(ctx context.Context, e events.Event) error {
	h.publish(h.globalTopic(TopicStatus), e.Payload)
	return nil
}

// PublishShutdown announces that the service is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.globalTopic(TopicStatus), map[string]interface{}{"event": "shutdown"})
}
