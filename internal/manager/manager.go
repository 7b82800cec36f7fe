// Package manager implements the central-role Bluetooth Manager: connect/
// send/disconnect over outbound peer links, heartbeat broadcast, and
// stale-connection cleanup (spec §4.9).
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
	"meshtalk/internal/meshtalkerr"
	"meshtalk/internal/pool"
)

// ConnState is a DeviceInfo's connection state (spec §3).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
	Error
)

// ErrTooManyConnections is returned by Connect when the pool is already at
// capacity.
var ErrTooManyConnections = errors.New("manager: at max concurrent connections")

// DeviceInfo is the manager-owned per-peer record (spec §3), distinct from
// the pool's ConnectionEntry which tracks connection-specific stats.
type DeviceInfo struct {
	Address            string
	State              ConnState
	LastHeartbeat       time.Time
	ConnectionAttempts int
	HealthScore        float64
}

type link struct {
	central ble.CentralLink
	write   ble.Characteristic
}

// Callbacks are the events the supervisor wires to Pool/front-end (spec
// §4.10).
type Callbacks struct {
	OnDeviceConnected    func(address string, link ble.CentralLink, priority pool.Priority)
	OnDeviceDisconnected func(address string)
	OnMessage            func(address string, data []byte)
}

// Manager owns the central-side peer links exclusively (spec §3 lifecycle
// ownership). It reads the pool for capacity/membership checks but never
// mutates it directly — Pool.Add/Remove are driven by the supervisor's
// callback wiring, matching spec §4.10.
type Manager struct {
	driver      ble.Driver
	pool        *pool.Pool
	serviceUUID string
	charUUID    string
	connTimeout time.Duration
	maxConns    int
	logger      *logrus.Logger
	cb          Callbacks

	mu      sync.Mutex
	devices map[string]*DeviceInfo
	links   map[string]*link
}

// New builds a Manager bound to driver and pool.
func New(cfg *config.Config, driver ble.Driver, p *pool.Pool, logger *logrus.Logger, cb Callbacks) *Manager {
	return &Manager{
		driver:      driver,
		pool:        p,
		serviceUUID: cfg.Bluetooth.ServiceUUID,
		charUUID:    cfg.Bluetooth.CharacteristicUUID,
		connTimeout: cfg.Bluetooth.ConnectionTimeout,
		maxConns:    cfg.Bluetooth.MaxConcurrentConnections,
		logger:      logger,
		cb:          cb,
		devices:     make(map[string]*DeviceInfo),
		links:       make(map[string]*link),
	}
}

// Connect opens an outbound link to address per spec §4.9 steps 1-9.
func (m *Manager) Connect(ctx context.Context, address string, priority pool.Priority) error {
	m.mu.Lock()
	if d, ok := m.devices[address]; ok && d.State == Connected {
		m.mu.Unlock()
		return nil
	}
	if m.pool.Len() >= m.maxConns {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	d, ok := m.devices[address]
	if !ok {
		d = &DeviceInfo{Address: address, HealthScore: 1.0}
		m.devices[address] = d
	}
	d.State = Connecting
	d.ConnectionAttempts++
	m.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, m.connTimeout)
	defer cancel()

	central, err := m.driver.Connect(connCtx, address)
	if err != nil {
		m.mu.Lock()
		d.State = Error
		if connCtx.Err() != nil {
			d.HealthScore = decay(d.HealthScore, 0.2)
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", meshtalkerr.ErrConnectTimeout, err)
		}
		d.HealthScore = decay(d.HealthScore, 0.3)
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", meshtalkerr.ErrConnectFailure, err)
	}

	var writeChar ble.Characteristic
	services, svcErr := central.DiscoverServices([]string{m.serviceUUID})
	if svcErr != nil || len(services) == 0 {
		if m.logger != nil {
			m.logger.WithField("address", address).Warn("mesh service not found on peer, keeping link")
		}
	} else {
		ch, found := services[0].Characteristic(m.charUUID)
		if !found {
			if m.logger != nil {
				m.logger.WithField("address", address).Warn("mesh characteristic not found on peer, keeping link")
			}
		} else {
			writeChar = ch
			if err := ch.Subscribe(func(value []byte) {
				if m.cb.OnMessage != nil {
					m.cb.OnMessage(address, value)
				}
			}); err != nil && m.logger != nil {
				m.logger.WithError(err).WithField("address", address).Warn("subscribe failed")
			}
		}
	}

	central.OnDisconnect(func() { m.handleDisconnect(address) })

	m.mu.Lock()
	m.links[address] = &link{central: central, write: writeChar}
	d.State = Connected
	d.LastHeartbeat = time.Now()
	m.mu.Unlock()

	if m.cb.OnDeviceConnected != nil {
		m.cb.OnDeviceConnected(address, central, priority)
	}
	return nil
}

func decay(score, delta float64) float64 {
	score -= delta
	if score < 0 {
		return 0
	}
	return score
}

func (m *Manager) handleDisconnect(address string) {
	m.mu.Lock()
	d, ok := m.devices[address]
	if ok && d.State == Disconnected {
		m.mu.Unlock()
		return
	}
	if ok {
		d.State = Disconnected
		d.HealthScore = decay(d.HealthScore, 0.2)
	}
	delete(m.links, address)
	m.mu.Unlock()

	if m.cb.OnDeviceDisconnected != nil {
		m.cb.OnDeviceDisconnected(address)
	}
}

// WatchDisconnects registers the manager's own dispatch-by-address handler
// with driver.SetConnectHandler. Backends whose CentralLink.OnDisconnect is
// a real per-link hook (bluez, via D-Bus PropertiesChanged) get disconnect
// notice from both paths; handleDisconnect is idempotent so that's harmless.
// Backends that only expose one adapter-wide connect/disconnect callback
// (tinygo) have no other way to learn a central-role link dropped, so this
// is their only route to handleDisconnect. Call once, before Connect is
// ever used.
func (m *Manager) WatchDisconnects() {
	m.driver.SetConnectHandler(m.onConnectEvent)
}

// onConnectEvent is the adapter-wide callback. It ignores connect events and
// anything it isn't already tracking as a central-role link — on backends
// like tinygo the same hook also reports peripheral-role activity (remote
// centrals connecting to our hosted characteristic), which isn't this
// manager's concern.
func (m *Manager) onConnectEvent(address string, connected bool) {
	if connected {
		return
	}
	m.mu.Lock()
	_, tracked := m.links[address]
	m.mu.Unlock()
	if !tracked {
		return
	}
	m.handleDisconnect(address)
}

// Send writes bytes to address, preferring write-without-response (spec
// §4.9 send).
func (m *Manager) Send(address string, data []byte) error {
	m.mu.Lock()
	d, known := m.devices[address]
	l, hasLink := m.links[address]
	m.mu.Unlock()

	if !known || d.State != Connected || !hasLink || l.write == nil {
		return fmt.Errorf("%w: not connected to %s", meshtalkerr.ErrWriteFailure, address)
	}

	var err error
	if l.write.HasWriteWithoutResponse() {
		err = l.write.WriteWithoutResponse(data)
	} else {
		err = l.write.WriteWithResponse(data)
	}
	if err != nil {
		m.mu.Lock()
		d.HealthScore = decay(d.HealthScore, 0.1)
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", meshtalkerr.ErrWriteFailure, err)
	}
	return nil
}

// Disconnect closes the link to address; idempotent.
func (m *Manager) Disconnect(address string) error {
	m.mu.Lock()
	l, ok := m.links[address]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return l.central.Disconnect()
}

// ConnectedAddresses returns a snapshot of currently connected peers.
func (m *Manager) ConnectedAddresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for addr, d := range m.devices {
		if d.State == Connected {
			out = append(out, addr)
		}
	}
	return out
}

// RecordHeartbeat updates a peer's last-heartbeat timestamp and applies the
// +0.1 clamped health bonus (spec §3 DeviceInfo).
func (m *Manager) RecordHeartbeat(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return
	}
	d.LastHeartbeat = time.Now()
	d.HealthScore += 0.1
	if d.HealthScore > 1 {
		d.HealthScore = 1
	}
}

// Broadcast writes data to every connected peer, used by the heartbeat loop
// (spec §4.9 background tasks).
func (m *Manager) Broadcast(data []byte) {
	for _, addr := range m.ConnectedAddresses() {
		if err := m.Send(addr, data); err != nil && m.logger != nil {
			m.logger.WithError(err).WithField("address", addr).Debug("heartbeat broadcast failed")
		}
	}
}

// Cleanup disconnects peers whose heartbeat has gone stale or whose health
// has dropped below critical (spec §4.9 cleanup loop).
func (m *Manager) Cleanup(heartbeatTimeout time.Duration, healthScoreCritical float64) {
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for addr, d := range m.devices {
		if d.State != Connected {
			continue
		}
		if now.Sub(d.LastHeartbeat) > heartbeatTimeout {
			d.HealthScore = decay(d.HealthScore, 0.3)
			stale = append(stale, addr)
			continue
		}
		if d.HealthScore < healthScoreCritical {
			stale = append(stale, addr)
		}
	}
	m.mu.Unlock()

	for _, addr := range stale {
		_ = m.Disconnect(addr)
	}
}

// Device returns a snapshot of address's DeviceInfo, if known.
func (m *Manager) Device(address string) (DeviceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return DeviceInfo{}, false
	}
	return *d, true
}
