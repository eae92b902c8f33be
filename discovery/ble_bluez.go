package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezService       = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	bluezDeviceIface   = "org.bluez.Device1"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZAdapter scans through the BlueZ D-Bus API.
type BlueZAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// NewBlueZAdapter opens a private system bus connection and selects the first
// BlueZ adapter. It returns ErrNoBLEAdapter when none is registered.
func NewBlueZAdapter() (*BlueZAdapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrNoBLEAdapter, err)
	}

	objects, err := getManagedObjects(context.Background(), conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoBLEAdapter, err)
	}

	path, ok := firstAdapterPath(objects)
	if !ok {
		_ = conn.Close()
		return nil, ErrNoBLEAdapter
	}

	return &BlueZAdapter{conn: conn, adapterPath: path}, nil
}

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var out managedObjects
	call := conn.Object(bluezService, "/").CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("get managed objects: %w", call.Err)
	}
	if err := call.Store(&out); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return out, nil
}

func firstAdapterPath(objects managedObjects) (dbus.ObjectPath, bool) {
	var best dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezAdapterIface]; !ok {
			continue
		}
		if best == "" || path < best {
			best = path
		}
	}
	return best, best != ""
}

// StartScan restricts discovery to LE and starts it.
func (a *BlueZAdapter) StartScan(ctx context.Context) error {
	adapter := a.conn.Object(bluezService, a.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.CallWithContext(ctx, bluezAdapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("set discovery filter: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("start discovery: %w", call.Err)
	}
	return nil
}

// Peripherals lists devices BlueZ currently knows under the selected adapter.
func (a *BlueZAdapter) Peripherals(ctx context.Context) ([]Peripheral, error) {
	objects, err := getManagedObjects(ctx, a.conn)
	if err != nil {
		return nil, err
	}

	prefix := string(a.adapterPath) + "/"
	out := make([]Peripheral, 0, len(objects))
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDeviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		out = append(out, parseDeviceProperties(props))
	}
	return out, nil
}

// StopScan stops discovery and closes the bus connection.
func (a *BlueZAdapter) StopScan() error {
	call := a.conn.Object(bluezService, a.adapterPath).Call(bluezAdapterIface+".StopDiscovery", 0)
	closeErr := a.conn.Close()
	if call.Err != nil {
		return fmt.Errorf("stop discovery: %w", call.Err)
	}
	return closeErr
}

func parseDeviceProperties(props map[string]dbus.Variant) Peripheral {
	p := Peripheral{
		Address: variantString(props, "Address"),
		Name:    variantString(props, "Alias"),
	}
	if name := variantString(props, "Name"); name != "" {
		p.Name = name
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			p.RSSI = rssi
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		if raw, ok := v.Value().(map[uint16]dbus.Variant); ok {
			p.ManufacturerData = make(map[uint16][]byte, len(raw))
			for company, data := range raw {
				if b, ok := data.Value().([]byte); ok {
					p.ManufacturerData[company] = b
				}
			}
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if ids, ok := v.Value().([]string); ok {
			for _, raw := range ids {
				if id, err := uuid.Parse(raw); err == nil {
					p.ServiceUUIDs = append(p.ServiceUUIDs, id)
				}
			}
		}
	}
	return p
}

func variantString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
