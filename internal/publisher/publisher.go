// Package publisher handles publishing discovery events to RabbitMQ.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/scanner"
)

const (
	eventSource         = "/pi-panel/discovery"
	deviceDiscoveredKey = "discovered.device"
	// DeviceDiscoveredType is the CloudEvent type of a discovered host.
	DeviceDiscoveredType = "panel.device.discovered"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Close() error
}

// Publisher sends CloudEvents to RabbitMQ.
type Publisher struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   *zap.SugaredLogger
}

// CloudEvent represents the CloudEvents 1.0 specification structure.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	Subject         string      `json:"subject,omitempty"`
	ID              string      `json:"id"`
	Time            string      `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`
}

// DeviceDiscoveredData represents data for a discovered device event.
type DeviceDiscoveredData struct {
	DeviceID      string `json:"device_id"`
	IP            string `json:"ip"`
	Method        string `json:"method"`
	Hostname      string `json:"hostname,omitempty"`
	MAC           string `json:"mac,omitempty"`
	SSHBanner     string `json:"ssh_banner,omitempty"`
	SSHSoftware   string `json:"ssh_software,omitempty"`
	IsRaspberryPi bool   `json:"is_raspberry_pi"`
}

// New creates a new Publisher connected to RabbitMQ and declares the topic
// exchange events are sent to.
func New(url, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewWithChannel(channel, exchange, logger)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel creates a Publisher on an already open channel.
func NewWithChannel(channel Channel, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	if exchange == "" {
		exchange = "panel.events"
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Publisher{channel: channel, exchange: exchange, logger: logger}, nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishDeviceDiscovered publishes an event for an active scan result.
func (p *Publisher) PublishDeviceDiscovered(scanID string, r scanner.Result) error {
	data := DeviceDiscoveredData{
		DeviceID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(r.IP+"|"+r.MAC)).String(),
		IP:            r.IP,
		Method:        string(r.Method),
		Hostname:      r.Hostname,
		MAC:           r.MAC,
		SSHBanner:     r.SSHBanner,
		SSHSoftware:   r.SSHSoftware,
		IsRaspberryPi: r.IsRaspberryPi,
	}

	event := p.createEvent(DeviceDiscoveredType, scanID, data)
	return p.publish(event, deviceDiscoveredKey)
}

func (p *Publisher) createEvent(eventType, subject string, data interface{}) CloudEvent {
	return CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          eventSource,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            data,
	}
}

func (p *Publisher) publish(event CloudEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/cloudevents+json",
			Body:        body,
			MessageId:   event.ID,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("Event published",
		"type", event.Type,
		"id", event.ID,
		"routing_key", routingKey,
	)

	return nil
}
