// Package events fans committed delivery transitions out to notification consumers.
package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/campusdash/api/internal/domain"
)

// Message is the wire representation shared by every transport.
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ShopID     string         `json:"shopId"`
	BatchID    string         `json:"batchId,omitempty"`
	OrderID    string         `json:"orderId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewMessage converts a domain event into its wire form.
func NewMessage(event domain.DeliveryEvent) Message {
	return Message{
		ID:         strings.TrimSpace(event.ID),
		Type:       strings.TrimSpace(event.Type),
		ShopID:     strings.TrimSpace(event.ShopID),
		BatchID:    strings.TrimSpace(event.BatchID),
		OrderID:    strings.TrimSpace(event.OrderID),
		OccurredAt: event.OccurredAt.UTC(),
		Payload:    maps.Clone(event.Payload),
	}
}

func encode(event domain.DeliveryEvent) (Message, []byte, error) {
	msg := NewMessage(event)
	if msg.Type == "" {
		return Message{}, nil, fmt.Errorf("delivery event: type is required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, nil, fmt.Errorf("marshal delivery event: %w", err)
	}
	return msg, data, nil
}

func attributes(msg Message) map[string]string {
	attrs := make(map[string]string)
	setAttr(attrs, "eventId", msg.ID)
	setAttr(attrs, "eventType", msg.Type)
	setAttr(attrs, "shopId", msg.ShopID)
	setAttr(attrs, "batchId", msg.BatchID)
	setAttr(attrs, "orderId", msg.OrderID)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
