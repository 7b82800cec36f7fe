// Package discovery implements the adaptive BLE scanner state machine:
// per-scan dedup, app-device classification, lost-device sweep, and the
// adaptive scan-interval computation (spec §4.7).
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
)

// ScannerState is the scanner's own lifecycle state.
type ScannerState int

const (
	Idle ScannerState = iota
	Scanning
	Stopped
)

// NetworkState is derived from the discovered/connected device population.
type NetworkState int

const (
	NoDevices NetworkState = iota
	Discovering
	Moderate
	Stable
)

func (s NetworkState) String() string {
	switch s {
	case NoDevices:
		return "NO_DEVICES"
	case Discovering:
		return "DISCOVERING"
	case Moderate:
		return "MODERATE"
	case Stable:
		return "STABLE"
	default:
		return "UNKNOWN"
	}
}

// Device is the discovery-owned record of an observed peer (spec §3
// DeviceInfo, trimmed to the fields Discovery itself maintains).
type Device struct {
	Address  string
	Name     string
	RSSI     int
	LastSeen time.Time
	IsApp    bool
}

// Scanner owns the discovered-device map exclusively (spec §3 lifecycle
// ownership) and runs the adaptive scan loop.
type Scanner struct {
	driver ble.Driver
	cfg    config.DiscoveryConfig
	serviceUUID string
	maxConnections int
	lostThreshold  time.Duration
	logger *logrus.Logger

	onDeviceFound    func(Device)
	onAppDeviceFound func(Device)
	onDeviceLost     func(address string)

	mu                  sync.Mutex
	state               ScannerState
	discovered          map[string]*Device
	appDevices          map[string]struct{}
	connectedCount      int
	currentInterval     time.Duration
	consecutiveEmpty    int
}

// Callbacks bundles the discovery event hooks (spec §4.7).
type Callbacks struct {
	OnDeviceFound    func(Device)
	OnAppDeviceFound func(Device)
	OnDeviceLost     func(address string)
}

// New builds a Scanner bound to driver.
func New(cfg *config.Config, driver ble.Driver, logger *logrus.Logger, cb Callbacks) *Scanner {
	return &Scanner{
		driver:         driver,
		cfg:            cfg.Discovery,
		serviceUUID:    cfg.Bluetooth.ServiceUUID,
		maxConnections: cfg.Bluetooth.MaxConcurrentConnections,
		lostThreshold:  cfg.Bluetooth.DeviceLostThreshold,
		logger:         logger,

		onDeviceFound:    cb.OnDeviceFound,
		onAppDeviceFound: cb.OnAppDeviceFound,
		onDeviceLost:     cb.OnDeviceLost,

		state:           Idle,
		discovered:      make(map[string]*Device),
		appDevices:      make(map[string]struct{}),
		currentInterval: cfg.Discovery.IntervalInitial,
	}
}

// SetConnectedCount updates the connected-peer count the NetworkState
// derivation depends on (owned by the pool, reported in by the supervisor).
func (s *Scanner) SetConnectedCount(n int) {
	s.mu.Lock()
	s.connectedCount = n
	s.mu.Unlock()
}

// NetworkState derives the current network state from app-device and
// connected-peer population (spec §4.7 transitions).
func (s *Scanner) NetworkState() NetworkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkStateLocked()
}

func (s *Scanner) networkStateLocked() NetworkState {
	if len(s.appDevices) == 0 {
		return NoDevices
	}
	switch {
	case s.connectedCount == 0:
		return Discovering
	case s.connectedCount < s.maxConnections:
		return Moderate
	default:
		return Stable
	}
}

// RunOnce performs exactly one scan window: clears the per-scan-seen set,
// scans for cfg.ScanTimeout (or until ctx is cancelled), classifies
// advertisements, sweeps lost devices, and returns the next adaptive
// interval to wait before the following call (spec §4.7).
func (s *Scanner) RunOnce(ctx context.Context) time.Duration {
	s.mu.Lock()
	s.state = Scanning
	s.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	perScanSeen := make(map[string]struct{})
	var mu sync.Mutex

	err := s.driver.Scan(scanCtx, func(adv ble.Advertisement) {
		mu.Lock()
		if _, seen := perScanSeen[adv.Address]; seen {
			mu.Unlock()
			return
		}
		perScanSeen[adv.Address] = struct{}{}
		mu.Unlock()

		s.observe(adv)
	})

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	s.sweepLost()

	if err != nil && scanCtx.Err() == nil {
		return s.penalizeInterval()
	}
	return s.nextInterval(len(perScanSeen) > 0)
}

func (s *Scanner) observe(adv ble.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isApp := classifyApp(adv, s.serviceUUID)

	existing, known := s.discovered[adv.Address]
	if !known {
		d := &Device{
			Address:  adv.Address,
			Name:     adv.Name,
			RSSI:     adv.RSSI,
			LastSeen: now(),
			IsApp:    isApp,
		}
		s.discovered[adv.Address] = d
		s.notifyFound(*d)
		if isApp {
			s.appDevices[adv.Address] = struct{}{}
			s.notifyAppFound(*d)
		}
		return
	}

	existing.RSSI = adv.RSSI
	existing.LastSeen = now()
	if adv.Name != "" {
		existing.Name = adv.Name
	}
	if isApp {
		if _, already := s.appDevices[adv.Address]; !already {
			existing.IsApp = true
			s.appDevices[adv.Address] = struct{}{}
			s.notifyAppFound(*existing)
		}
	}
}

func classifyApp(adv ble.Advertisement, serviceUUID string) bool {
	target := strings.ToLower(serviceUUID)
	for _, u := range adv.ServiceUUIDs {
		if strings.ToLower(u) == target {
			return true
		}
	}
	for key := range adv.ServiceData {
		if strings.ToLower(key) == target {
			return true
		}
	}
	return false
}

func (s *Scanner) notifyFound(d Device) {
	if s.onDeviceFound != nil {
		s.onDeviceFound(d)
	}
}

func (s *Scanner) notifyAppFound(d Device) {
	if s.onAppDeviceFound != nil {
		s.onAppDeviceFound(d)
	}
}

// sweepLost removes every device whose last_seen exceeds the lost
// threshold and emits on_device_lost (spec §4.7).
func (s *Scanner) sweepLost() {
	s.mu.Lock()
	var lost []string
	cutoff := now().Add(-s.lostThreshold)
	for addr, d := range s.discovered {
		if d.LastSeen.Before(cutoff) {
			lost = append(lost, addr)
			delete(s.discovered, addr)
			delete(s.appDevices, addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range lost {
		if s.onDeviceLost != nil {
			s.onDeviceLost(addr)
		}
	}
}

// nextInterval computes the adaptive scan interval per spec §4.7.
func (s *Scanner) nextInterval(foundAny bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if foundAny {
		s.consecutiveEmpty = 0
	} else {
		s.consecutiveEmpty++
	}

	var target time.Duration
	switch s.networkStateLocked() {
	case NoDevices:
		target = s.cfg.IntervalNoDevices
	case Discovering:
		target = s.cfg.IntervalInitial
	case Moderate:
		target = s.cfg.IntervalModerate
	case Stable:
		target = s.cfg.IntervalStable
	}

	switch {
	case s.consecutiveEmpty > 10:
		target = time.Duration(float64(target) * 2.0)
	case s.consecutiveEmpty > 5:
		target = time.Duration(float64(target) * 1.5)
	}

	s.currentInterval = clamp((s.currentInterval+target)/2, s.cfg.MinInterval, s.cfg.MaxInterval)
	return s.currentInterval
}

// penalizeInterval is applied on scan error: multiply current by 1.5 and
// clamp (spec §4.7 "On scan error").
func (s *Scanner) penalizeInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentInterval = clamp(time.Duration(float64(s.currentInterval)*1.5), s.cfg.MinInterval, s.cfg.MaxInterval)
	return s.currentInterval
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// now is the clock used for last_seen stamps and the lost-device cutoff; it
// is a package variable so it can be replaced.
var now = time.Now

// Devices returns a snapshot of the discovered-device map.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.discovered))
	for _, d := range s.discovered {
		out = append(out, *d)
	}
	return out
}
