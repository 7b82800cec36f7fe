// Package gatt implements the peripheral-role GATT server: advertise
// SERVICE_UUID, host CHARACTERISTIC_UUID, and bridge characteristic
// reads/writes/notifications to the message pipeline (spec §4.6).
package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
)

// State is the GATT server lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

var errWrongState = errors.New("gatt: operation invalid in current state")

// Server hosts exactly one characteristic on one service, per spec §4.6.
type Server struct {
	driver      ble.Driver
	serviceUUID string
	charUUID    string
	localName   string
	onMessage   func(clientID string, value []byte)
	logger      *logrus.Logger

	mu          sync.Mutex
	state       State
	readBuffer  []byte
	local       ble.LocalCharacteristic
}

// New builds a Server bound to driver. onMessage is invoked asynchronously
// per inbound characteristic write (spec §4.6 on_write).
func New(cfg *config.Config, driver ble.Driver, localName string, logger *logrus.Logger, onMessage func(clientID string, value []byte)) *Server {
	return &Server{
		driver:      driver,
		serviceUUID: cfg.Bluetooth.ServiceUUID,
		charUUID:    cfg.Bluetooth.CharacteristicUUID,
		localName:   localName,
		onMessage:   onMessage,
		logger:      logger,
		state:       Stopped,
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start advertises the service and hosts the characteristic. Idempotent
// when already RUNNING; on failure the server returns to STOPPED without
// leaking advertising (spec §4.6).
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return nil
	}
	if s.state != Stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", errWrongState, s.state)
	}
	s.state = Starting
	s.mu.Unlock()

	local, err := s.driver.AddCharacteristic(s.serviceUUID, s.charUUID, ble.CharacteristicProperties{
		Read:                 true,
		Write:                true,
		WriteWithoutResponse: true,
		Notify:               true,
	}, s.onRead, s.onWrite)
	if err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return fmt.Errorf("gatt: add characteristic: %w", err)
	}

	if err := s.driver.Advertise(ctx, s.serviceUUID, s.localName); err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return fmt.Errorf("gatt: advertise: %w", err)
	}

	s.mu.Lock()
	s.local = local
	s.state = Running
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"service": s.serviceUUID, "characteristic": s.charUUID}).Info("gatt server running")
	}
	return nil
}

// Stop idempotently stops advertising. Safe to call when already STOPPED.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	s.mu.Unlock()

	err := s.driver.StopAdvertise()

	s.mu.Lock()
	s.state = Stopped
	s.local = nil
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("gatt: stop advertise: %w", err)
	}
	return nil
}

// Notify updates the read buffer and pushes a notification to every
// subscribed client. Non-blocking; there is no per-client retry on
// disconnect (spec §4.6).
func (s *Server) Notify(value []byte) error {
	s.mu.Lock()
	s.readBuffer = append([]byte(nil), value...)
	local := s.local
	s.mu.Unlock()

	if local == nil {
		return fmt.Errorf("%w: notify while not running", errWrongState)
	}
	return local.Notify(value)
}

func (s *Server) onRead() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.readBuffer...)
}

func (s *Server) onWrite(clientID string, value []byte) {
	if s.onMessage != nil {
		s.onMessage(clientID, value)
	}
}
