// Package telemetry publishes session, room and join events to an MQTT
// broker.
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
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/util"
)

// Topic suffixes under <prefix>/<instance>/.
const (
	TopicStatus  = "status"
	TopicSession = "session"
	TopicRoom    = "room"
	TopicJoin    = "join"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	instance uuid.UUID
	role     string
	logger   zerolog.Logger

	// send delivers one message; it defaults to a QoS 1 publish.
	send func(topic string, data []byte)

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a telemetry handler. role names the binary mode
// ("host", "join", "rendezvous") and instance identifies this process.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, role string, instance uuid.UUID) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		instance: instance,
		role:     role,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"instance":  instance.String(),
			"role":      role,
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"arch":      sysInfo.Architecture,
			"cpu_model": sysInfo.CPUModel,
			"memory_mb": sysInfo.TotalMemory,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("netplay64-%s-%s", role, instance.String()[:8]))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(h.topic(TopicStatus), `{"event":"offline"}`, 1, false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.send = h.publishMQTT
	return h, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker and publishes events until ctx ends.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(TopicStatus, map[string]interface{}{"event": "online"})

	<-ctx.Done()

	h.publish(TopicStatus, map[string]interface{}{"event": "shutdown"})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// subscribeEvents routes bus events to topics.
func (h *MQTTHandler) subscribeEvents() {
	routes := map[string][]events.EventType{
		TopicSession: {
			events.EventPlayerRegistered,
			events.EventPlayerRemoved,
			events.EventSettingsUpdated,
			events.EventSaveFileStored,
		},
		TopicRoom: {
			events.EventClientRegistered,
			events.EventClientLeft,
			events.EventGameStarted,
			events.EventServerPortChange,
			events.EventRoomCodeAssigned,
		},
		TopicJoin: {
			events.EventJoinState,
			events.EventNotice,
			events.EventJoinRegistered,
			events.EventJoinStarted,
			events.EventJoinDisconnected,
		},
		TopicStatus: {
			events.EventNotifyMQTT,
		},
	}

	for topic, types := range routes {
		topic := topic
		for _, t := range types {
			h.eventBus.Subscribe(t, "mqtt."+string(t), func(_ context.Context, ev events.Event) error {
				h.publish(topic, map[string]interface{}{
					"event":   string(ev.Type),
					"source":  ev.Source,
					"payload": ev.Payload,
				})
				return nil
			})
		}
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", h.cfg.TopicPrefix, h.instance, suffix)
}

// publish sends a JSON message to a topic under this instance.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", suffix).Msg("failed to marshal MQTT message")
		return
	}
	h.send(h.topic(suffix), data)
}

func (h *MQTTHandler) publishMQTT(topic string, data []byte) {
	if !h.client.IsConnected() {
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
