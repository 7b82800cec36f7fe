package gatt

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
)

type fakeLocalChar struct {
	uuid string

	mu      sync.Mutex
	notified [][]byte
}

func (f *fakeLocalChar) UUID() string { return f.uuid }
func (f *fakeLocalChar) Notify(value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, append([]byte(nil), value...))
	return nil
}

type fakeDriver struct {
	mu           sync.Mutex
	advertised   bool
	addCharErr   error
	advertiseErr error
	onWrite      ble.OnWriteFunc
	local        *fakeLocalChar
}

func (f *fakeDriver) Enable() error { return nil }
func (f *fakeDriver) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error { return nil }
func (f *fakeDriver) StopScan() error { return nil }
func (f *fakeDriver) Connect(ctx context.Context, address string) (ble.CentralLink, error) {
	return nil, nil
}
func (f *fakeDriver) Advertise(ctx context.Context, serviceUUID, localName string) error {
	if f.advertiseErr != nil {
		return f.advertiseErr
	}
	f.mu.Lock()
	f.advertised = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) StopAdvertise() error {
	f.mu.Lock()
	f.advertised = false
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) AddCharacteristic(serviceUUID, charUUID string, props ble.CharacteristicProperties, onRead ble.OnReadFunc, onWrite ble.OnWriteFunc) (ble.LocalCharacteristic, error) {
	if f.addCharErr != nil {
		return nil, f.addCharErr
	}
	f.onWrite = onWrite
	f.local = &fakeLocalChar{uuid: charUUID}
	return f.local, nil
}
func (f *fakeDriver) SetConnectHandler(handler func(address string, connected bool)) {}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestStart_AdvertisesAndHostsCharacteristic(t *testing.T) {
	d := &fakeDriver{}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())
	assert.True(t, d.advertised)
}

func TestStart_IdempotentWhenRunning(t *testing.T) {
	d := &fakeDriver{}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())
}

func TestStart_FailureReturnsToStoppedWithoutAdvertising(t *testing.T) {
	d := &fakeDriver{advertiseErr: assert.AnError}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, Stopped, s.State())
	assert.False(t, d.advertised)
}

func TestStop_Idempotent(t *testing.T) {
	d := &fakeDriver{}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)
	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())
}

func TestOnWrite_InvokesOnMessage(t *testing.T) {
	d := &fakeDriver{}
	received := make(chan []byte, 1)
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), func(clientID string, value []byte) {
		received <- value
	})
	require.NoError(t, s.Start(context.Background()))

	d.onWrite("client-1", []byte("hello"))
	assert.Equal(t, []byte("hello"), <-received)
}

func TestNotify_UpdatesReadBufferAndPushesNotification(t *testing.T) {
	d := &fakeDriver{}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Notify([]byte("payload")))
	assert.Equal(t, []byte("payload"), s.onRead())
	require.Len(t, d.local.notified, 1)
	assert.Equal(t, []byte("payload"), d.local.notified[0])
}

func TestNotify_FailsWhenNotRunning(t *testing.T) {
	d := &fakeDriver{}
	s := New(config.DefaultConfig(), d, "node-a", testLogger(), nil)
	assert.Error(t, s.Notify([]byte("x")))
}
