// Package bluez implements ble.Driver directly against BlueZ over D-Bus
// (Linux only), as a pure-Go alternative to the tinygo.org/x/bluetooth
// backend that does not require cgo or a vendored BLE stack. Adapted from
// arnnvv-bluetalk's bluez/{adapter,bluez,client,scan}.go and peer_linux.go,
// generalized from one hardcoded chat service into the general driver
// contract.
//
// Like its source, this backend is central-role only: BlueZ peripheral
// advertising and GATT-server hosting require exporting D-Bus objects
// (org.bluez.LEAdvertisement1, org.bluez.GattService1/Characteristic1)
// that the teacher never implemented ("peripheral not implemented in pure-Go
// build (central-only)"); Advertise/AddCharacteristic return
// meshtalkerr.ErrAdapterUnavailable here. A node that needs to also host the
// mesh characteristic on Linux should pair this driver's central role with
// the tinygo backend's peripheral role, or run the tinygo backend alone.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"meshtalk/internal/ble"
	"meshtalk/internal/meshtalkerr"
)

const (
	busDest       = "org.bluez"
	busRoot       = "/"
	adapterPrefix = "/org/bluez/"
)

// Driver is the BlueZ-backed ble.Driver implementation.
type Driver struct {
	mu      sync.Mutex
	conn    *godbus.Conn
	adapter godbus.ObjectPath
}

// New returns an unconnected Driver; call Enable to dial the system bus and
// resolve the local adapter.
func New() *Driver {
	return &Driver{}
}

func (d *Driver) Enable() error {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("%w: dbus connect: %v", meshtalkerr.ErrAdapterUnavailable, err)
	}

	path, err := findAdapter(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", meshtalkerr.ErrAdapterUnavailable, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.adapter = path
	d.mu.Unlock()
	return nil
}

func findAdapter(conn *godbus.Conn) (godbus.ObjectPath, error) {
	var out map[godbus.ObjectPath]map[string]map[string]godbus.Variant
	obj := conn.Object(busDest, busRoot)
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&out); err != nil {
		return "", fmt.Errorf("GetManagedObjects: %w", err)
	}
	for path := range out {
		p := string(path)
		if strings.HasPrefix(p, adapterPrefix) && strings.Count(p, "/") == 2 {
			return path, nil
		}
	}
	return "", fmt.Errorf("no BlueZ adapter found")
}

// SetConnectHandler is a no-op on this backend: it never hosts a peripheral
// service, so there are no incoming-connection events to report.
func (d *Driver) SetConnectHandler(handler func(address string, connected bool)) {}

func (d *Driver) adapterObj() godbus.BusObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Object(busDest, d.adapter)
}

func (d *Driver) startDiscovery(serviceUUID string) error {
	filter := map[string]any{"Transport": "le"}
	if serviceUUID != "" {
		filter["UUIDs"] = []string{serviceUUID}
	}
	if err := d.adapterObj().Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		_ = d.adapterObj().Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, map[string]any{"Transport": "le"})
	}
	return d.adapterObj().Call("org.bluez.Adapter1.StartDiscovery", 0).Err
}

func (d *Driver) StopScan() error {
	return d.adapterObj().Call("org.bluez.Adapter1.StopDiscovery", 0).Err
}

// Scan runs LE discovery until ctx is cancelled, translating BlueZ's
// InterfacesAdded signals for org.bluez.Device1 into ble.Advertisement
// callbacks (spec §6 on_adv).
func (d *Driver) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error {
	if err := d.startDiscovery(""); err != nil {
		return fmt.Errorf("%w: StartDiscovery: %v", meshtalkerr.ErrScanFailure, err)
	}
	defer d.StopScan()

	d.mu.Lock()
	conn := d.conn
	adapterPath := d.adapter
	d.mu.Unlock()

	conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'")
	ch := make(chan *godbus.Signal, 16)
	conn.Signal(ch)

	prefix := string(adapterPath) + "/"
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			adv, matched := decodeInterfacesAdded(sig, prefix)
			if matched {
				onAdv(adv)
			}
		}
	}
}

func decodeInterfacesAdded(sig *godbus.Signal, devicePrefix string) (ble.Advertisement, bool) {
	if len(sig.Body) < 2 {
		return ble.Advertisement{}, false
	}
	path, ok := sig.Body[0].(godbus.ObjectPath)
	if !ok || !strings.HasPrefix(string(path), devicePrefix) {
		return ble.Advertisement{}, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]godbus.Variant)
	if !ok {
		return ble.Advertisement{}, false
	}
	dev, ok := ifaces["org.bluez.Device1"]
	if !ok {
		return ble.Advertisement{}, false
	}

	addr := addrFromPath(path)
	if addr == "" {
		return ble.Advertisement{}, false
	}

	adv := ble.Advertisement{Address: addr}
	if v, ok := dev["Alias"]; ok {
		if name, _ := v.Value().(string); name != "" {
			adv.Name = name
			adv.HasName = true
		}
	}
	if v, ok := dev["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			adv.RSSI = int(rssi)
			adv.HasRSSI = true
		}
	}
	if v, ok := dev["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			adv.ServiceUUIDs = uuids
		}
	}
	return adv, true
}

// Connect opens a Device1 connection and waits for GATT service resolution,
// bounded by ctx (spec §6 connect).
func (d *Driver) Connect(ctx context.Context, address string) (ble.CentralLink, error) {
	d.mu.Lock()
	conn := d.conn
	devicePath := pathFromAddr(d.adapter, address)
	d.mu.Unlock()

	dev := conn.Object(busDest, devicePath)
	if err := dev.CallWithContext(ctx, "org.bluez.Device1.Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("%w: %v", meshtalkerr.ErrConnectFailure, err)
	}

	if err := waitServicesResolved(ctx, dev); err != nil {
		_ = dev.Call("org.bluez.Device1.Disconnect", 0)
		return nil, err
	}

	return &centralLink{conn: conn, devicePath: devicePath, address: address}, nil
}

func waitServicesResolved(ctx context.Context, dev godbus.BusObject) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", meshtalkerr.ErrConnectTimeout, ctx.Err())
		default:
		}

		var v godbus.Variant
		err := dev.Call("org.freedesktop.DBus.Properties.Get", 0, "org.bluez.Device1", "ServicesResolved").Store(&v)
		if err == nil {
			if resolved, ok := v.Value().(bool); ok && resolved {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", meshtalkerr.ErrConnectTimeout, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Advertise is unsupported on this backend; see the package doc.
func (d *Driver) Advertise(ctx context.Context, serviceUUID, localName string) error {
	return fmt.Errorf("%w: bluez backend is central-role only", meshtalkerr.ErrAdapterUnavailable)
}

func (d *Driver) StopAdvertise() error { return nil }

// AddCharacteristic is unsupported on this backend; see the package doc.
func (d *Driver) AddCharacteristic(serviceUUID, charUUID string, props ble.CharacteristicProperties, onRead ble.OnReadFunc, onWrite ble.OnWriteFunc) (ble.LocalCharacteristic, error) {
	return nil, fmt.Errorf("%w: bluez backend is central-role only", meshtalkerr.ErrAdapterUnavailable)
}

func addrFromPath(path godbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if !strings.HasPrefix(s, "dev_") {
		return ""
	}
	return strings.ReplaceAll(s[len("dev_"):], "_", ":")
}

func pathFromAddr(adapterPath godbus.ObjectPath, addr string) godbus.ObjectPath {
	s := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return godbus.ObjectPath(string(adapterPath) + "/dev_" + s)
}

type centralLink struct {
	conn       *godbus.Conn
	devicePath godbus.ObjectPath
	address    string

	mu         sync.Mutex
	disconnect func()
}

func (l *centralLink) Address() string { return l.address }

// DiscoverServices resolves GATT service/characteristic object paths under
// the already-connected device for each requested service UUID.
func (l *centralLink) DiscoverServices(uuids []string) ([]ble.Service, error) {
	var out map[godbus.ObjectPath]map[string]map[string]godbus.Variant
	err := l.conn.Object(busDest, busRoot).
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&out)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}

	devPrefix := string(l.devicePath) + "/"
	wanted := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		wanted[strings.ToLower(u)] = true
	}

	var services []ble.Service
	for path, ifaces := range out {
		p := string(path)
		if !strings.HasPrefix(p, devPrefix) {
			continue
		}
		svc, ok := ifaces["org.bluez.GattService1"]
		if !ok {
			continue
		}
		uuidStr, _ := svc["UUID"].Value().(string)
		if len(wanted) > 0 && !wanted[strings.ToLower(uuidStr)] {
			continue
		}
		services = append(services, &service{conn: l.conn, path: path, uuid: uuidStr, all: out})
	}
	return services, nil
}

func (l *centralLink) Disconnect() error {
	return l.conn.Object(busDest, l.devicePath).Call("org.bluez.Device1.Disconnect", 0).Err
}

// OnDisconnect subscribes to the device's Connected property going false.
func (l *centralLink) OnDisconnect(handler func()) {
	l.mu.Lock()
	l.disconnect = handler
	l.mu.Unlock()

	ch := make(chan *godbus.Signal, 4)
	l.conn.Signal(ch)
	match := fmt.Sprintf("type='signal',path='%s',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'", l.devicePath)
	l.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match)

	go func() {
		for sig := range ch {
			if sig.Path != l.devicePath || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]godbus.Variant)
			if !ok {
				continue
			}
			if v, has := changed["Connected"]; has {
				if connected, _ := v.Value().(bool); !connected {
					l.mu.Lock()
					h := l.disconnect
					l.mu.Unlock()
					if h != nil {
						h()
					}
					return
				}
			}
		}
	}()
}

type service struct {
	conn *godbus.Conn
	path godbus.ObjectPath
	uuid string
	all  map[godbus.ObjectPath]map[string]map[string]godbus.Variant
}

func (s *service) UUID() string { return s.uuid }

func (s *service) Characteristic(uuid string) (ble.Characteristic, bool) {
	prefix := string(s.path) + "/"
	for path, ifaces := range s.all {
		p := string(path)
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		ch, ok := ifaces["org.bluez.GattCharacteristic1"]
		if !ok {
			continue
		}
		u, _ := ch["UUID"].Value().(string)
		if strings.EqualFold(u, uuid) {
			return &characteristic{conn: s.conn, path: path, uuid: u}, true
		}
	}
	return nil, false
}

type characteristic struct {
	conn *godbus.Conn
	path godbus.ObjectPath
	uuid string
}

func (c *characteristic) UUID() string { return c.uuid }

// HasWriteWithoutResponse is conservatively true; BlueZ negotiates the
// actual ATT write type per-call via the "type" option, so the mesh's
// preferred write-without-response path is always attempted first (spec §6).
func (c *characteristic) HasWriteWithoutResponse() bool { return true }

func (c *characteristic) WriteWithResponse(value []byte) error {
	opts := map[string]any{"type": "request"}
	return c.conn.Object(busDest, c.path).Call("org.bluez.GattCharacteristic1.WriteValue", 0, value, opts).Err
}

func (c *characteristic) WriteWithoutResponse(value []byte) error {
	opts := map[string]any{"type": "command"}
	return c.conn.Object(busDest, c.path).Call("org.bluez.GattCharacteristic1.WriteValue", 0, value, opts).Err
}

func (c *characteristic) Subscribe(onData func(value []byte)) error {
	obj := c.conn.Object(busDest, c.path)
	if err := obj.Call("org.bluez.GattCharacteristic1.StartNotify", 0).Err; err != nil {
		return fmt.Errorf("%w: StartNotify: %v", meshtalkerr.ErrNotifyFailure, err)
	}

	ch := make(chan *godbus.Signal, 16)
	c.conn.Signal(ch)
	match := fmt.Sprintf("type='signal',path='%s',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'", c.path)
	c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match)

	go func() {
		for sig := range ch {
			if sig.Path != c.path || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]godbus.Variant)
			if !ok {
				continue
			}
			v, has := changed["Value"]
			if !has {
				continue
			}
			b, ok := v.Value().([]byte)
			if !ok || len(b) == 0 {
				continue
			}
			buf := make([]byte, len(b))
			copy(buf, b)
			onData(buf)
		}
	}()
	return nil
}
