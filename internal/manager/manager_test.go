package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
	"meshtalk/internal/pool"
)

const testServiceUUID = "12345678-1234-5678-1234-56789abcdef0"
const testCharUUID = "12345678-1234-5678-1234-56789abcdef1"

type fakeChar struct {
	uuid         string
	writeNoResp  bool
	writes       [][]byte
	writeErr     error
	onData       func([]byte)
}

func (c *fakeChar) UUID() string                   { return c.uuid }
func (c *fakeChar) HasWriteWithoutResponse() bool  { return c.writeNoResp }
func (c *fakeChar) WriteWithResponse(v []byte) error {
	c.writes = append(c.writes, v)
	return c.writeErr
}
func (c *fakeChar) WriteWithoutResponse(v []byte) error {
	c.writes = append(c.writes, v)
	return c.writeErr
}
func (c *fakeChar) Subscribe(onData func(value []byte)) error {
	c.onData = onData
	return nil
}

type fakeService struct {
	uuid  string
	chars map[string]*fakeChar
}

func (s *fakeService) UUID() string { return s.uuid }
func (s *fakeService) Characteristic(uuid string) (ble.Characteristic, bool) {
	c, ok := s.chars[uuid]
	return c, ok
}

type fakeLink struct {
	address  string
	services []ble.Service
	mu       sync.Mutex
	handler  func()
	disconnected int
}

func (l *fakeLink) Address() string { return l.address }
func (l *fakeLink) DiscoverServices(uuids []string) ([]ble.Service, error) { return l.services, nil }
func (l *fakeLink) Disconnect() error {
	l.disconnected++
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h()
	}
	return nil
}
func (l *fakeLink) OnDisconnect(handler func()) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

type fakeDriver struct {
	connectErr     error
	connectHang    bool
	link           *fakeLink
	connectHandler func(address string, connected bool)
}

func (f *fakeDriver) Enable() error { return nil }
func (f *fakeDriver) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error { return nil }
func (f *fakeDriver) StopScan() error { return nil }
func (f *fakeDriver) Connect(ctx context.Context, address string) (ble.CentralLink, error) {
	if f.connectHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.link, nil
}
func (f *fakeDriver) Advertise(ctx context.Context, serviceUUID, localName string) error { return nil }
func (f *fakeDriver) StopAdvertise() error                                               { return nil }
func (f *fakeDriver) AddCharacteristic(serviceUUID, charUUID string, props ble.CharacteristicProperties, onRead ble.OnReadFunc, onWrite ble.OnWriteFunc) (ble.LocalCharacteristic, error) {
	return nil, nil
}
func (f *fakeDriver) SetConnectHandler(handler func(address string, connected bool)) {
	f.connectHandler = handler
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newLinkWithChar() (*fakeLink, *fakeChar) {
	ch := &fakeChar{uuid: testCharUUID, writeNoResp: true}
	svc := &fakeService{uuid: testServiceUUID, chars: map[string]*fakeChar{testCharUUID: ch}}
	return &fakeLink{address: "AA:BB", services: []ble.Service{svc}}, ch
}

func TestConnect_SucceedsAndSubscribes(t *testing.T) {
	l, ch := newLinkWithChar()
	d := &fakeDriver{link: l}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)

	var connectedAddr string
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{
		OnDeviceConnected: func(address string, link ble.CentralLink, priority pool.Priority) { connectedAddr = address },
	})

	require.NoError(t, m.Connect(context.Background(), "AA:BB", pool.Normal))
	assert.Equal(t, "AA:BB", connectedAddr)
	assert.NotNil(t, ch.onData)

	info, ok := m.Device("AA:BB")
	require.True(t, ok)
	assert.Equal(t, Connected, info.State)
}

func TestConnect_RefusesAtCapacity(t *testing.T) {
	l, _ := newLinkWithChar()
	d := &fakeDriver{link: l}
	cfg := config.DefaultConfig()
	cfg.Bluetooth.MaxConcurrentConnections = 1
	p := pool.New(cfg, testLogger(), nil)
	require.NoError(t, p.Add("existing", &fakeLink{address: "existing"}, pool.Normal))

	m := New(cfg, d, p, testLogger(), Callbacks{})
	err := m.Connect(context.Background(), "AA:BB", pool.Normal)
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestConnect_TimeoutDecaysHealthAndReturnsTimeoutError(t *testing.T) {
	d := &fakeDriver{connectHang: true}
	cfg := config.DefaultConfig()
	cfg.Bluetooth.ConnectionTimeout = 10 * time.Millisecond
	p := pool.New(cfg, testLogger(), nil)
	m := New(cfg, d, p, testLogger(), Callbacks{})

	err := m.Connect(context.Background(), "AA:BB", pool.Normal)
	require.Error(t, err)
	info, ok := m.Device("AA:BB")
	require.True(t, ok)
	assert.Equal(t, Error, info.State)
	assert.InDelta(t, 0.8, info.HealthScore, 0.001)
}

func TestSend_PrefersWriteWithoutResponse(t *testing.T) {
	l, ch := newLinkWithChar()
	d := &fakeDriver{link: l}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{})
	require.NoError(t, m.Connect(context.Background(), "AA:BB", pool.Normal))

	require.NoError(t, m.Send("AA:BB", []byte("hi")))
	require.Len(t, ch.writes, 1)
	assert.Equal(t, []byte("hi"), ch.writes[0])
}

func TestSend_RejectsWhenNotConnected(t *testing.T) {
	d := &fakeDriver{}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{})

	assert.Error(t, m.Send("nope", []byte("x")))
}

func TestDisconnectHook_DecaysHealthAndNotifies(t *testing.T) {
	l, _ := newLinkWithChar()
	d := &fakeDriver{link: l}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)

	var disconnectedAddr string
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{
		OnDeviceDisconnected: func(address string) { disconnectedAddr = address },
	})
	require.NoError(t, m.Connect(context.Background(), "AA:BB", pool.Normal))

	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h()

	assert.Equal(t, "AA:BB", disconnectedAddr)
	info, _ := m.Device("AA:BB")
	assert.Equal(t, Disconnected, info.State)
}

func TestWatchDisconnects_DispatchesAdapterWideEventByAddress(t *testing.T) {
	l, _ := newLinkWithChar()
	d := &fakeDriver{link: l}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)

	var disconnectedAddr string
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{
		OnDeviceDisconnected: func(address string) { disconnectedAddr = address },
	})
	m.WatchDisconnects()
	require.NoError(t, m.Connect(context.Background(), "AA:BB", pool.Normal))
	require.NotNil(t, d.connectHandler)

	// A connect event, and a disconnect event for an address this manager
	// never connected to, are both ignored.
	d.connectHandler("AA:BB", true)
	d.connectHandler("unrelated-peripheral-client", false)
	assert.Empty(t, disconnectedAddr)

	d.connectHandler("AA:BB", false)

	assert.Equal(t, "AA:BB", disconnectedAddr)
	info, _ := m.Device("AA:BB")
	assert.Equal(t, Disconnected, info.State)
}

func TestCleanup_DisconnectsStaleHeartbeat(t *testing.T) {
	l, _ := newLinkWithChar()
	d := &fakeDriver{link: l}
	p := pool.New(config.DefaultConfig(), testLogger(), nil)
	m := New(config.DefaultConfig(), d, p, testLogger(), Callbacks{})
	require.NoError(t, m.Connect(context.Background(), "AA:BB", pool.Normal))

	m.mu.Lock()
	m.devices["AA:BB"].LastHeartbeat = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	m.Cleanup(45*time.Second, 0.2)
	assert.Equal(t, 1, l.disconnected)
}
