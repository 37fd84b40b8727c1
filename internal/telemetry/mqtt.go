// Package telemetry publishes MCComm session, participant and settings
// activity to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicSession      = "session"
	TopicParticipants = "participants"
	TopicSettings     = "settings"
	TopicStatus       = "status"
)

// AppVersion is reported in every message.
const AppVersion = "1.0.0"

var eventTopics = map[events.EventType]string{
	events.EventSessionLogin:         TopicSession,
	events.EventSessionLogout:        TopicSession,
	events.EventSessionExpired:       TopicSession,
	events.EventLoginFailed:          TopicSession,
	events.EventParticipantBound:     TopicParticipants,
	events.EventParticipantUnbound:   TopicParticipants,
	events.EventParticipantModerated: TopicParticipants,
	events.EventChannelMoved:         TopicParticipants,
	events.EventSettingsChanged:      TopicSettings,
	events.EventStats:                TopicStatus,
	events.EventHealthChanged:        TopicStatus,
}

// MQTTHandler manages the MQTT connection and publishes bus events.
type MQTTHandler struct {
	mqttCfg  config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string

	// Metadata included in every message
	metadata map[string]interface{}

	logger zerolog.Logger
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		mqttCfg:  mqttCfg,
		eventBus: eventBus,
		prefix:   mqttCfg.TopicPrefix,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": AppVersion,
		},
		logger: util.ComponentLogger("mqtt"),
	}
	if handler.prefix == "" {
		handler.prefix = "mccomm"
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
		opts.SetClientID(fmt.Sprintf("mccomm-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	will, _ := json.Marshal(map[string]interface{}{"event": "offline"})
	opts.SetWill(handler.topic(TopicStatus), string(will), 1, true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
		handler.publishRetained(TopicStatus, map[string]interface{}{"event": "online"})
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the MQTT broker and forwards bus events until ctx is
// cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.mqttCfg.BrokerURL).
		Int("port", h.mqttCfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

const handlerName = "mqtt"

// subscribeEvents forwards every mapped event type.
func (h *MQTTHandler) subscribeEvents() {
	types := make([]events.EventType, 0, len(eventTopics))
	for t := range eventTopics {
		types = append(types, t)
	}
	h.eventBus.SubscribeMany(types, handlerName, h.onEvent)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for t := range eventTopics {
		h.eventBus.Unsubscribe(t, handlerName)
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := TopicFor(event.Type)
	if !ok {
		return nil
	}
	h.publish(suffix, map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

// TopicFor returns the topic suffix an event type is published under.
func TopicFor(t events.EventType) (string, bool) {
	s, ok := eventTopics[t]
	return s, ok
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	h.send(suffix, payload, false)
}

func (h *MQTTHandler) publishRetained(suffix string, payload interface{}) {
	h.send(suffix, payload, true)
}

// send publishes a JSON message without waiting for the broker.
func (h *MQTTHandler) send(suffix string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces an orderly shutdown.
func (h *MQTTHandler) PublishShutdown() {
	h.publishRetained(TopicStatus, map[string]interface{}{"event": "shutdown"})
}
