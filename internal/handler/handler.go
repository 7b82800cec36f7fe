// Package handler composes the sanitizer, protocol, router, and rate
// limiter into the four core operations the front-end and I/O layers
// consume (spec §4.5).
package handler

import (
	"sync"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/config"
	"meshtalk/internal/message"
	"meshtalk/internal/meshtalkerr"
	"meshtalk/internal/ratelimit"
	"meshtalk/internal/router"
	"meshtalk/internal/sanitizer"
)

// Callbacks are the front-end-facing notifications the handler emits.
// Each is optional; nil callbacks are simply skipped.
type Callbacks struct {
	OnReceived func(*message.Message)
	OnSent     func(*message.Message)
	OnError    func(error)
}

// Handler binds the message pipeline together and owns the bounded
// recent-messages ring used for front-end replay (spec §3 lifecycle
// ownership).
type Handler struct {
	protocol  *message.Protocol
	router    *router.Router
	limiter   *ratelimit.Limiter
	callbacks Callbacks
	logger    *logrus.Logger

	mu         sync.Mutex
	recent     []*message.Message
	recentCap  int

	parseFailures      int64
	validationFailures int64
}

// New builds a Handler from its collaborators.
func New(cfg *config.Config, s *sanitizer.Sanitizer, r *router.Router, l *ratelimit.Limiter, logger *logrus.Logger, cb Callbacks) *Handler {
	return &Handler{
		protocol:  message.New(cfg, s),
		router:    r,
		limiter:   l,
		callbacks: cb,
		logger:    logger,
		recentCap: 50,
	}
}

// Create rate-limits, builds, and records a locally originated message
// (spec §4.5). connectionID may be empty when the message did not
// originate from a specific inbound connection (e.g. typed at a local CLI).
func (h *Handler) Create(content, senderName, senderID, connectionID string) (*message.Message, error) {
	if err := h.limiter.Allow(connectionID, senderID); err != nil {
		h.notifyError(err)
		return nil, err
	}

	m, err := h.protocol.CreateBroadcast(content, senderID, senderName)
	if err != nil {
		h.countValidationFailure()
		h.notifyError(err)
		return nil, err
	}

	h.pushRecent(m)
	h.notifySent(m)
	return m, nil
}

// Send originates m through the router and returns the peers the I/O layer
// must write to (spec §4.5).
func (h *Handler) Send(m *message.Message, connectedPeers []string) []string {
	return h.router.Originate(m, connectedPeers)
}

// Receive parses bytes from sourcePeer, routes them, and — if processed
// locally — records and notifies. It returns the parsed message (nil on
// parse failure) and the forwarding target list (spec §4.5).
func (h *Handler) Receive(data []byte, sourcePeer string, connectedPeers []string) (*message.Message, []string) {
	m, err := h.protocol.Parse(data)
	if err != nil {
		h.countParseFailure()
		// Parse failures discard the datagram silently; no recent-ring
		// push, no on_received (spec §4.5).
		return nil, nil
	}

	processLocally, forwardTo := h.router.Route(m, sourcePeer, connectedPeers)
	if processLocally {
		h.pushRecent(m)
		h.notifyReceived(m)
	}

	if len(forwardTo) == 0 {
		return m, nil
	}
	return m, forwardTo
}

// PrepareForward builds the wire bytes to send m onward one more hop, or
// nil if its TTL is already exhausted (spec §4.5).
func (h *Handler) PrepareForward(m *message.Message, forwarderID string) ([]byte, error) {
	fwd := message.PrepareForForwarding(m, forwarderID)
	if fwd == nil {
		return nil, nil
	}
	return message.Encode(fwd)
}

// Recent returns a snapshot of the bounded recent-messages ring.
func (h *Handler) Recent() []*message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*message.Message, len(h.recent))
	copy(out, h.recent)
	return out
}

// Counters exposes the parse/validation failure counts for observability.
func (h *Handler) Counters() (parseFailures, validationFailures int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parseFailures, h.validationFailures
}

func (h *Handler) pushRecent(m *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, m)
	if len(h.recent) > h.recentCap {
		h.recent = h.recent[len(h.recent)-h.recentCap:]
	}
}

func (h *Handler) countParseFailure() {
	h.mu.Lock()
	h.parseFailures++
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.WithError(meshtalkerr.ErrParseError).Debug("dropped unparseable datagram")
	}
}

func (h *Handler) countValidationFailure() {
	h.mu.Lock()
	h.validationFailures++
	h.mu.Unlock()
}

func (h *Handler) notifyReceived(m *message.Message) {
	if h.callbacks.OnReceived != nil {
		safeCall(h.logger, func() { h.callbacks.OnReceived(m) })
	}
}

func (h *Handler) notifySent(m *message.Message) {
	if h.callbacks.OnSent != nil {
		safeCall(h.logger, func() { h.callbacks.OnSent(m) })
	}
}

func (h *Handler) notifyError(err error) {
	if h.callbacks.OnError != nil {
		safeCall(h.logger, func() { h.callbacks.OnError(err) })
	}
}

// safeCall isolates a front-end callback: a panic inside it is logged and
// swallowed rather than propagating into a background loop (spec §7, §9).
func safeCall(logger *logrus.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.WithField("panic", r).Error("callback panicked")
		}
	}()
	fn()
}
