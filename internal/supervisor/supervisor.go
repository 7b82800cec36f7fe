// Package supervisor bootstraps the mesh core's components in dependency
// order, wires their callback graph, and coordinates idempotent start/stop
// (spec §4.10).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
	"meshtalk/internal/discovery"
	"meshtalk/internal/events"
	"meshtalk/internal/gatt"
	"meshtalk/internal/handler"
	"meshtalk/internal/manager"
	"meshtalk/internal/message"
	"meshtalk/internal/pool"
	"meshtalk/internal/ratelimit"
	"meshtalk/internal/router"
	"meshtalk/internal/sanitizer"
	"meshtalk/internal/scheduler"
)

// FrontendCallbacks are the out-of-scope I/O-layer hooks the supervisor
// fans received/sent messages and status text out to (spec §1 "out of
// scope: the interactive terminal front-end").
type FrontendCallbacks struct {
	OnMessage func(*message.Message)
	OnStatus  func(string)
}

type state int

const (
	stateStopped state = iota
	stateRunning
)

// Supervisor binds every component from spec §2 and owns their start/stop
// lifecycle.
type Supervisor struct {
	cfg     *config.Config
	logger  *logrus.Logger
	localID string

	driver    ble.Driver
	sanitizer *sanitizer.Sanitizer
	router    *router.Router
	limiter   *ratelimit.Limiter
	handler   *handler.Handler
	gattSrv   *gatt.Server
	scanner   *discovery.Scanner
	connPool  *pool.Pool
	mgr       *manager.Manager
	sched     *scheduler.Scheduler
	mailbox   *events.Mailbox

	frontend FrontendCallbacks

	mu         sync.Mutex
	st         state
	cancelScan context.CancelFunc
	wg         sync.WaitGroup
}

// New assembles the full component graph but does not start anything.
func New(cfg *config.Config, driver ble.Driver, logger *logrus.Logger, frontend FrontendCallbacks) *Supervisor {
	localID := uuid.NewString()

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		localID:  localID,
		driver:   driver,
		frontend: frontend,
		mailbox:  events.NewMailbox(256),
	}

	s.sanitizer = sanitizer.New(cfg)
	s.router = router.New(cfg, localID, logger)
	s.limiter = ratelimit.New(cfg)
	s.handler = handler.New(cfg, s.sanitizer, s.router, s.limiter, logger, handler.Callbacks{
		OnReceived: s.onHandlerReceived,
		OnSent:     s.onHandlerSent,
		OnError:    s.onHandlerError,
	})

	s.connPool = pool.New(cfg, logger, s.onPoolHealthChanged)

	s.mgr = manager.New(cfg, driver, s.connPool, logger, manager.Callbacks{
		OnDeviceConnected:    s.onManagerConnected,
		OnDeviceDisconnected: s.onManagerDisconnected,
		OnMessage:            s.onManagerMessage,
	})

	s.gattSrv = gatt.New(cfg, driver, localID, logger, s.onGattMessage)

	s.scanner = discovery.New(cfg, driver, logger, discovery.Callbacks{
		OnAppDeviceFound: s.onAppDeviceFound,
		OnDeviceLost:     s.onDeviceLost,
	})

	s.sched = scheduler.New(logger)

	return s
}

// LocalID returns the stable local node identifier derived at startup.
func (s *Supervisor) LocalID() string { return s.localID }

// Start brings up components 1-10 in order: adapter enable, GATT server,
// scheduler jobs, discovery loop. Idempotent when already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.st == stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.driver.Enable(); err != nil {
		return fmt.Errorf("supervisor: enable adapter: %w", err)
	}
	s.mgr.WatchDisconnects()

	if err := s.gattSrv.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start gatt server: %w", err)
	}

	if err := s.sched.Every(s.cfg.Bluetooth.HeartbeatInterval.String(), "heartbeat", s.runHeartbeat); err != nil {
		return err
	}
	if err := s.sched.Every("30s", "cleanup", s.runCleanup); err != nil {
		return err
	}
	if err := s.sched.Every("30s", "pool-maintain", s.connPool.Maintain); err != nil {
		return err
	}
	s.sched.Start()

	scanCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelScan = cancel
	s.st = stateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runDiscoveryLoop(scanCtx)

	s.wg.Add(1)
	go s.runMailboxLoop(scanCtx)

	s.publishStatus("mesh core started")
	return nil
}

// Stop tears components down in the reverse order. Idempotent when already
// stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.st != stateRunning {
		s.mu.Unlock()
		return
	}
	s.st = stateStopped
	cancel := s.cancelScan
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.sched.Stop()
	_ = s.gattSrv.Stop()
	s.publishStatus("mesh core stopped")
}

func (s *Supervisor) runDiscoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scanner.SetConnectedCount(s.connPool.Len())
		wait := s.scanner.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// onAppDeviceFound wires Discovery.on_app_device_found → Manager.connect
// (if the pool has a slot) per spec §4.10.
func (s *Supervisor) onAppDeviceFound(d discovery.Device) {
	if s.connPool.Len() >= s.cfg.Bluetooth.MaxConcurrentConnections {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Bluetooth.ConnectionTimeout)
		defer cancel()
		if err := s.mgr.Connect(ctx, d.Address, pool.Normal); err != nil {
			s.publishStatus(fmt.Sprintf("connect to %s failed: %v", d.Address, err))
		}
	}()
}

func (s *Supervisor) onDeviceLost(address string) {
	s.publishStatus(fmt.Sprintf("device lost: %s", address))
}

// onManagerConnected wires Manager.on_device_connected → Pool.add.
func (s *Supervisor) onManagerConnected(address string, link ble.CentralLink, priority pool.Priority) {
	if err := s.connPool.Add(address, link, priority); err != nil && s.logger != nil {
		s.logger.WithError(err).WithField("address", address).Warn("pool add failed")
	}
	s.publishStatus(fmt.Sprintf("connected to %s", address))
}

// onManagerDisconnected wires Manager.on_device_disconnected → Pool.remove.
func (s *Supervisor) onManagerDisconnected(address string) {
	s.connPool.Remove(address, false)
	s.publishStatus(fmt.Sprintf("disconnected from %s", address))
}

// onManagerMessage wires Manager.on_bluetooth_message → Handler.receive,
// forwarding any resulting targets back through Manager.send with TTL
// decremented and the local id appended to seen_by (spec §4.2/§4.3).
func (s *Supervisor) onManagerMessage(address string, data []byte) {
	m, forwardTo := s.handler.Receive(data, address, s.connectedAddresses())
	if m == nil || len(forwardTo) == 0 {
		return
	}
	fwd, err := s.handler.PrepareForward(m, s.localID)
	if err != nil || fwd == nil {
		return
	}
	s.forward(fwd, forwardTo)
}

// onGattMessage wires GattServer.on_message_received → Handler.receive,
// forwarding to both Manager.send and GattServer.notify.
func (s *Supervisor) onGattMessage(clientID string, data []byte) {
	m, forwardTo := s.handler.Receive(data, clientID, s.connectedAddresses())
	if m == nil {
		return
	}
	fwd, err := s.handler.PrepareForward(m, s.localID)
	if err != nil || fwd == nil {
		return
	}
	s.forward(fwd, forwardTo)
	if err := s.gattSrv.Notify(fwd); err != nil && s.logger != nil {
		s.logger.WithError(err).Debug("gatt notify failed")
	}
}

func (s *Supervisor) forward(data []byte, targets []string) {
	for _, addr := range targets {
		if err := s.mgr.Send(addr, data); err != nil && s.logger != nil {
			s.logger.WithError(err).WithField("address", addr).Debug("forward send failed")
		}
	}
}

func (s *Supervisor) connectedAddresses() []string {
	return s.mgr.ConnectedAddresses()
}

func (s *Supervisor) onPoolHealthChanged(address string, score float64) {
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"address": address, "health": score}).Warn("connection health degraded")
	}
}

// onHandlerReceived wires Handler.on_message_received → the bounded
// mailbox; runMailboxLoop is the only thing that ever calls
// frontend.OnMessage for received messages, so a slow or wedged UI callback
// stalls at most that one consumer goroutine, never the manager/gatt
// delivery path that produced the event.
func (s *Supervisor) onHandlerReceived(m *message.Message) {
	s.mailbox.Post(m)
}

// runMailboxLoop drains onHandlerReceived's mailbox and hands each message
// to the front-end, one at a time, until ctx is cancelled.
func (s *Supervisor) runMailboxLoop(ctx context.Context) {
	defer s.wg.Done()
	done := ctx.Done()
	for s.mailbox.Wait(done) {
		for _, item := range s.mailbox.Drain() {
			m, ok := item.(*message.Message)
			if !ok || s.frontend.OnMessage == nil {
				continue
			}
			s.frontend.OnMessage(m)
		}
	}
}

// onHandlerSent notifies the front-end that a locally typed message was
// accepted; the actual network fan-out happens in Send, which already
// holds the created message and its forward targets.
func (s *Supervisor) onHandlerSent(m *message.Message) {
	if s.frontend.OnMessage != nil {
		s.frontend.OnMessage(m)
	}
}

func (s *Supervisor) onHandlerError(err error) {
	s.publishStatus(err.Error())
}

func (s *Supervisor) publishStatus(msg string) {
	if s.frontend.OnStatus != nil {
		s.frontend.OnStatus(msg)
	}
}

// runHeartbeat broadcasts a HEARTBEAT message to every connected peer
// (spec §4.9 heartbeat loop). Heartbeats bypass Handler.Create: they carry
// no user content, so they neither consume rate-limit budget nor count as
// validation failures.
func (s *Supervisor) runHeartbeat() {
	hb := heartbeatMessage(s.localID)
	data, err := message.Encode(hb)
	if err != nil {
		return
	}
	s.mgr.Broadcast(data)
}

func heartbeatMessage(localID string) *message.Message {
	return &message.Message{
		MessageID: uuid.NewString(),
		SenderID:  localID,
		Content:   "",
		Timestamp: float64(time.Now().Unix()),
		TTL:       1,
		SeenBy:    []string{localID},
		Type:      message.TypeHeartbeat,
	}
}

// runCleanup runs the manager's stale-connection sweep (spec §4.9 cleanup
// loop).
func (s *Supervisor) runCleanup() {
	s.mgr.Cleanup(s.cfg.Bluetooth.HeartbeatTimeout, s.cfg.Bluetooth.HealthScoreCritical)
}

// Send originates a locally typed message and fans it out (spec §4.5/§4.9
// composition for the front-end "type a message" path).
func (s *Supervisor) Send(content, senderName string) (*message.Message, error) {
	m, err := s.handler.Create(content, senderName, s.localID, "")
	if err != nil {
		return nil, err
	}
	targets := s.handler.Send(m, s.connectedAddresses())
	if data, encErr := message.Encode(m); encErr == nil {
		s.forward(data, targets)
		if err := s.gattSrv.Notify(data); err != nil && s.logger != nil {
			s.logger.WithError(err).Debug("gatt notify failed")
		}
	}
	return m, nil
}
