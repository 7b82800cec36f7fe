// Package ble defines the platform BLE driver contract the mesh core
// consumes (spec §6). The platform BLE stack itself is out of scope for
// the core (spec §1); this package only names the narrow interface the
// GATT server, discovery, and manager code against, with concrete
// implementations living in ble/tinygo and ble/bluez.
package ble

import "context"

// Advertisement is a single scan callback invocation (spec §6 on_adv).
type Advertisement struct {
	Address      string
	Name         string
	HasName      bool
	RSSI         int
	HasRSSI      bool
	ServiceUUIDs []string
	ServiceData  map[string][]byte
}

// CharacteristicProperties mirrors the BLE property/permission flags a
// hosted characteristic needs (spec §6 "properties/permissions").
type CharacteristicProperties struct {
	Read                  bool
	Write                 bool
	WriteWithoutResponse  bool
	Notify                bool
}

// Characteristic is a remote characteristic discovered on a connected
// peer, exposing the write/notify operations spec §6 requires.
type Characteristic interface {
	UUID() string
	HasWriteWithoutResponse() bool
	WriteWithResponse(value []byte) error
	WriteWithoutResponse(value []byte) error
	Subscribe(onData func(value []byte)) error
}

// Service is a discovered remote GATT service.
type Service interface {
	UUID() string
	Characteristic(uuid string) (Characteristic, bool)
}

// CentralLink is an established outbound (central-role) connection to a
// peer (spec §6 "link").
type CentralLink interface {
	Address() string
	DiscoverServices(uuids []string) ([]Service, error)
	Disconnect() error
	OnDisconnect(handler func())
}

// LocalCharacteristic is the handle a Driver returns after hosting a
// characteristic, used to push notifications (spec §6 "peripheral.notify").
type LocalCharacteristic interface {
	UUID() string
	Notify(value []byte) error
}

// OnWriteFunc is invoked when a remote central writes to a hosted
// characteristic; clientID identifies the writer for multi-client servers.
type OnWriteFunc func(clientID string, value []byte)

// OnReadFunc supplies the current read-buffer value for a hosted
// characteristic (spec §4.6 on_read).
type OnReadFunc func() []byte

// Driver is the contract the core requires of its BLE collaborator
// (spec §6). A Driver plays both roles: central (Scan/Connect) and
// peripheral (Advertise/AddCharacteristic/Notify).
type Driver interface {
	// Enable initializes the local adapter. AdapterUnavailable-class
	// failures (spec §7) are returned here.
	Enable() error

	// Scan runs until ctx is cancelled or timeout elapses, invoking onAdv
	// for every advertisement observed.
	Scan(ctx context.Context, onAdv func(Advertisement)) error
	StopScan() error

	// Connect opens an outbound link to address, bounded by ctx.
	Connect(ctx context.Context, address string) (CentralLink, error)

	// Advertise starts peripheral advertising of serviceUUID under
	// localName; StopAdvertise idempotently stops it.
	Advertise(ctx context.Context, serviceUUID, localName string) error
	StopAdvertise() error

	// AddCharacteristic hosts a characteristic on serviceUUID, returning a
	// handle for Notify. onWrite is invoked asynchronously per spec §4.6.
	AddCharacteristic(serviceUUID, charUUID string, props CharacteristicProperties, onRead OnReadFunc, onWrite OnWriteFunc) (LocalCharacteristic, error)

	// SetConnectHandler registers a callback for connect/disconnect events.
	// On backends that only expose one adapter-wide hook rather than a
	// per-link one (tinygo), this also carries central-role disconnects;
	// Manager.WatchDisconnects relies on it for exactly that backend.
	SetConnectHandler(handler func(address string, connected bool))
}
