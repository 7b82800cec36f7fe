// Package message implements the mesh broadcast wire protocol (spec §4.2,
// §3, §6): the immutable Message record, its canonical JSON encoding,
// structural validation, and the forwarding transformation.
package message

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"meshtalk/internal/config"
	"meshtalk/internal/meshtalkerr"
	"meshtalk/internal/sanitizer"
)

// Type is the message kind carried on the wire (spec §3). Unknown values
// decode to Broadcast for tolerant parsing (spec §9 design note).
type Type string

const (
	TypeBroadcast Type = "broadcast"
	TypeHeartbeat Type = "heartbeat"
	TypeAck       Type = "ack"
	TypeDiscovery Type = "discovery"
	TypeSystem    Type = "system"
)

func (t Type) normalized() Type {
	switch t {
	case TypeBroadcast, TypeHeartbeat, TypeAck, TypeDiscovery, TypeSystem:
		return t
	default:
		return TypeBroadcast
	}
}

// Message is the immutable record representing a single broadcast
// (spec §3). Construct with CreateBroadcast or Parse; transform with
// PrepareForForwarding. Fields are exported for JSON (de)serialization but
// callers should treat a Message as read-only once built.
type Message struct {
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	Content    string   `json:"content"`
	Timestamp  float64  `json:"timestamp"`
	TTL        int      `json:"ttl"`
	SeenBy     []string `json:"seen_by"`
	Type       Type     `json:"type"`
	SenderName string   `json:"sender_name,omitempty"`
}

var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Protocol binds the size/TTL knobs and the sanitizer needed to build and
// validate messages.
type Protocol struct {
	sanitizer        *sanitizer.Sanitizer
	maxMessageSize   int
	maxContentLength int
	messageTTL       int
}

// New builds a Protocol from config and a shared Sanitizer.
func New(cfg *config.Config, s *sanitizer.Sanitizer) *Protocol {
	return &Protocol{
		sanitizer:        s,
		maxMessageSize:   cfg.Message.MaxMessageSize,
		maxContentLength: cfg.Message.MaxContentLength,
		messageTTL:       cfg.Message.MessageTTL,
	}
}

// CreateBroadcast sanitizes and validates content, then builds a fresh
// Message with a new id, full TTL, and seen_by = [senderID] (spec §4.2).
func (p *Protocol) CreateBroadcast(content, senderID, senderName string) (*Message, error) {
	sanitized, reason, ok := p.sanitizer.SanitizeAndValidate(content)
	if !ok {
		return nil, &meshtalkerr.ValidationError{Reason: reason}
	}

	m := &Message{
		MessageID:  uuid.NewString(),
		SenderID:   senderID,
		Content:    sanitized,
		Timestamp:  float64(time.Now().Unix()),
		TTL:        p.messageTTL,
		SeenBy:     []string{senderID},
		Type:       TypeBroadcast,
		SenderName: sanitizer.SanitizeDeviceName(senderName),
	}

	if size := encodedSize(m); size > p.maxMessageSize {
		return nil, &meshtalkerr.SizeError{Reason: fmt.Sprintf("encoded size %d exceeds %d bytes", size, p.maxMessageSize)}
	}

	return m, nil
}

// Encode produces the canonical JSON byte encoding (spec §6).
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func encodedSize(m *Message) int {
	b, err := Encode(m)
	if err != nil {
		return 0
	}
	return len(b)
}

// wireMessage mirrors Message but with permissive field types so Parse can
// coerce loosely-typed JSON (spec §4.2 "field coercion with defaults").
type wireMessage struct {
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	Content    string   `json:"content"`
	Timestamp  float64  `json:"timestamp"`
	TTL        *int     `json:"ttl"`
	SeenBy     []string `json:"seen_by"`
	Type       string   `json:"type"`
	SenderName string   `json:"sender_name"`
}

// Parse decodes bytes into a Message, applying field coercion and
// structural validation. Any additional unknown keys are ignored; failures
// are reported as ParseError/ValidationError and the bytes must be dropped
// by the caller (spec §4.2, §7).
func (p *Protocol) Parse(data []byte) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode: %w", meshtalkerr.ErrParseError)
	}

	m := &Message{
		MessageID:  wire.MessageID,
		SenderID:   wire.SenderID,
		Content:    wire.Content,
		Timestamp:  wire.Timestamp,
		SeenBy:     wire.SeenBy,
		Type:       Type(wire.Type).normalized(),
		SenderName: wire.SenderName,
	}
	if wire.TTL != nil {
		m.TTL = *wire.TTL
	}
	if m.SeenBy == nil {
		m.SeenBy = []string{}
	}

	if err := p.validateStructure(m); err != nil {
		return nil, err
	}

	return m, nil
}

func (p *Protocol) validateStructure(m *Message) error {
	if !uuidShape.MatchString(m.MessageID) {
		return &meshtalkerr.ValidationError{Reason: "message_id is not UUID-shaped"}
	}
	if m.SenderID == "" {
		return &meshtalkerr.ValidationError{Reason: "sender_id is required"}
	}

	maxTTL := p.messageTTL
	if m.Type == TypeHeartbeat {
		maxTTL = 1
	}
	if m.TTL < 0 || m.TTL > maxTTL {
		return &meshtalkerr.ValidationError{Reason: "ttl out of range"}
	}

	now := float64(time.Now().Unix())
	if m.Timestamp > now+60 {
		return &meshtalkerr.ValidationError{Reason: "timestamp too far in the future"}
	}

	if size := encodedSize(m); size > p.maxMessageSize {
		return &meshtalkerr.ValidationError{Reason: "encoded size exceeds limit"}
	}

	if m.Type == TypeBroadcast {
		if _, ok := p.sanitizer.Validate(m.Content); !ok {
			return &meshtalkerr.ValidationError{Reason: "content failed validation"}
		}
	}

	return nil
}

// PrepareForForwarding returns a copy of m with ttl decremented and
// forwarderID appended to seen_by (order-preserving, deduplicated), or nil
// if m.TTL is already 0 (spec §4.2, testable property).
func PrepareForForwarding(m *Message, forwarderID string) *Message {
	if m.TTL == 0 {
		return nil
	}

	seenBy := make([]string, len(m.SeenBy), len(m.SeenBy)+1)
	copy(seenBy, m.SeenBy)
	if !contains(seenBy, forwarderID) {
		seenBy = append(seenBy, forwarderID)
	}

	out := *m
	out.TTL = m.TTL - 1
	out.SeenBy = seenBy
	return &out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// HasBeenSeenBy reports whether id appears in m.SeenBy.
func (m *Message) HasBeenSeenBy(id string) bool {
	return contains(m.SeenBy, id)
}

// AddSeenBy appends id to SeenBy if not already present.
func (m *Message) AddSeenBy(id string) {
	if !contains(m.SeenBy, id) {
		m.SeenBy = append(m.SeenBy, id)
	}
}

// CanForward reports whether the message has hops remaining.
func (m *Message) CanForward() bool {
	return m.TTL > 0
}
