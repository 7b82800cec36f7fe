// Package tinygo implements the ble.Driver contract on top of
// tinygo.org/x/bluetooth, the cross-platform (Linux/macOS/Windows) BLE
// library the teacher repo uses directly for its dual peripheral/central
// role (spec §2 component 9, §6). Adapted from arnnvv-bluetalk's
// bluetooth.go / peer_common.go / peer_peripheral.go / host_peripheral.go,
// generalized from one hardcoded chat characteristic into the general
// driver contract so discovery/gatt/manager can be built against an
// interface instead of the library directly.
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"meshtalk/internal/ble"
)

// Driver adapts *bluetooth.Adapter to ble.Driver.
type Driver struct {
	adapter *bluetooth.Adapter

	mu            sync.Mutex
	adv           *bluetooth.Advertisement
	localChars    map[string]*bluetooth.Characteristic
	connectHandler func(address string, connected bool)

	// addrByString lets Connect() recover the typed bluetooth.Address the
	// library requires from the plain string the core uses everywhere
	// else; populated as scan results are observed.
	addrByString map[string]bluetooth.Address
}

// New wraps the process-wide default adapter (tinygo.org/x/bluetooth does
// not support multiple local adapters).
func New() *Driver {
	return &Driver{
		adapter:      bluetooth.DefaultAdapter,
		localChars:   make(map[string]*bluetooth.Characteristic),
		addrByString: make(map[string]bluetooth.Address),
	}
}

func (d *Driver) Enable() error {
	return d.adapter.Enable()
}

func (d *Driver) SetConnectHandler(handler func(address string, connected bool)) {
	d.mu.Lock()
	d.connectHandler = handler
	d.mu.Unlock()

	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d.mu.Lock()
		h := d.connectHandler
		d.mu.Unlock()
		if h != nil {
			h(device.Address.String(), connected)
		}
	})
}

func (d *Driver) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error {
	done := make(chan error, 1)

	go func() {
		done <- d.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			addrStr := result.Address.String()

			d.mu.Lock()
			d.addrByString[addrStr] = result.Address
			d.mu.Unlock()

			adv := ble.Advertisement{
				Address: addrStr,
				RSSI:    int(result.RSSI),
				HasRSSI: true,
			}
			if name := result.LocalName(); name != "" {
				adv.Name = name
				adv.HasName = true
			}
			onAdv(adv)
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = d.adapter.StopScan()
		<-done
		return ctx.Err()
	}
}

func (d *Driver) StopScan() error {
	return d.adapter.StopScan()
}

func (d *Driver) Connect(ctx context.Context, address string) (ble.CentralLink, error) {
	d.mu.Lock()
	addr, known := d.addrByString[address]
	d.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("tinygo driver: address %s not seen by a prior scan", address)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &centralLink{device: r.dev, address: address}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) Advertise(ctx context.Context, serviceUUID, localName string) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("tinygo driver: parse service uuid: %w", err)
	}

	adv := d.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{uuid},
	}); err != nil {
		return fmt.Errorf("tinygo driver: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("tinygo driver: start advertisement: %w", err)
	}

	d.mu.Lock()
	d.adv = adv
	d.mu.Unlock()
	return nil
}

func (d *Driver) StopAdvertise() error {
	d.mu.Lock()
	adv := d.adv
	d.adv = nil
	d.mu.Unlock()

	if adv == nil {
		return nil
	}
	return adv.Stop()
}

func (d *Driver) AddCharacteristic(serviceUUID, charUUID string, props ble.CharacteristicProperties, onRead ble.OnReadFunc, onWrite ble.OnWriteFunc) (ble.LocalCharacteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("tinygo driver: parse service uuid: %w", err)
	}
	chUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("tinygo driver: parse characteristic uuid: %w", err)
	}

	var flags bluetooth.CharacteristicPermissions
	if props.Read {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if props.Write {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if props.WriteWithoutResponse {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if props.Notify {
		flags |= bluetooth.CharacteristicNotifyPermission
	}

	var handle bluetooth.Characteristic
	cfg := bluetooth.CharacteristicConfig{
		UUID:   chUUID,
		Flags:  flags,
		Handle: &handle,
	}
	if onWrite != nil {
		cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
			buf := make([]byte, len(value))
			copy(buf, value)
			go onWrite(fmt.Sprintf("%v", client), buf)
		}
	}

	err = d.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{cfg},
	})
	if err != nil {
		return nil, fmt.Errorf("tinygo driver: add service: %w", err)
	}

	d.mu.Lock()
	d.localChars[charUUID] = &handle
	d.mu.Unlock()

	return &localCharacteristic{uuid: charUUID, handle: &handle}, nil
}

type localCharacteristic struct {
	uuid   string
	handle *bluetooth.Characteristic
}

func (c *localCharacteristic) UUID() string { return c.uuid }

func (c *localCharacteristic) Notify(value []byte) error {
	_, err := c.handle.Write(value)
	return err
}

type centralLink struct {
	device  bluetooth.Device
	address string
}

func (l *centralLink) Address() string { return l.address }

func (l *centralLink) DiscoverServices(uuids []string) ([]ble.Service, error) {
	parsed := make([]bluetooth.UUID, 0, len(uuids))
	for _, u := range uuids {
		pu, err := bluetooth.ParseUUID(u)
		if err != nil {
			return nil, fmt.Errorf("tinygo driver: parse uuid %s: %w", u, err)
		}
		parsed = append(parsed, pu)
	}

	services, err := l.device.DiscoverServices(parsed)
	if err != nil {
		return nil, err
	}

	out := make([]ble.Service, 0, len(services))
	for _, s := range services {
		out = append(out, &service{inner: s})
	}
	return out, nil
}

func (l *centralLink) Disconnect() error {
	return l.device.Disconnect()
}

func (l *centralLink) OnDisconnect(handler func()) {
	// tinygo.org/x/bluetooth surfaces disconnects through the adapter-wide
	// connect handler rather than per-device; Manager.WatchDisconnects wires
	// driver.SetConnectHandler and dispatches to the right link by address,
	// so this per-link hook stays unused on this backend.
	_ = handler
}

type service struct {
	inner bluetooth.DeviceService
}

func (s *service) UUID() string { return s.inner.UUID().String() }

func (s *service) Characteristic(uuid string) (ble.Characteristic, bool) {
	target, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, false
	}

	chars, err := s.inner.DiscoverCharacteristics([]bluetooth.UUID{target})
	if err != nil || len(chars) == 0 {
		return nil, false
	}
	return &remoteCharacteristic{inner: chars[0], uuid: uuid}, true
}

type remoteCharacteristic struct {
	inner bluetooth.DeviceCharacteristic
	uuid  string
}

func (c *remoteCharacteristic) UUID() string { return c.uuid }

// HasWriteWithoutResponse is conservatively true: tinygo.org/x/bluetooth's
// DeviceCharacteristic does not expose discovered property flags, and the
// mesh core always hosts its characteristic with write-without-response
// enabled (spec §6), so the fast path is always attempted first.
func (c *remoteCharacteristic) HasWriteWithoutResponse() bool { return true }

func (c *remoteCharacteristic) WriteWithResponse(value []byte) error {
	_, err := c.inner.Write(value)
	return err
}

func (c *remoteCharacteristic) WriteWithoutResponse(value []byte) error {
	_, err := c.inner.WriteWithoutResponse(value)
	return err
}

func (c *remoteCharacteristic) Subscribe(onData func(value []byte)) error {
	return c.inner.EnableNotifications(func(value []byte) {
		buf := make([]byte, len(value))
		copy(buf, value)
		onData(buf)
	})
}
