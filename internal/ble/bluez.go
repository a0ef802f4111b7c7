package ble

import (
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus            = "org.bluez"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"
	bluezDevice1        = "org.bluez.Device1"
	bluezGattService    = "org.bluez.GattService1"
	bluezGattChar       = "org.bluez.GattCharacteristic1"
	bluezGattDescriptor = "org.bluez.GattDescriptor1"
)

// adapterDevicePath converts a BLE MAC address to a BlueZ D-Bus object path.
// Example: "aa:bb:cc:dd:ee:ff" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func adapterDevicePath(adapterID, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapterID + "/dev_" + devAddr)
}

// topologyFromObjects builds the service topology of one device from a
// GetManagedObjects reply. It returns nil when BlueZ holds no resolved
// services for the device.
func topologyFromObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapterID, address string) []Service {
	devicePath := adapterDevicePath(adapterID, address)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), "/org/bluez/"+adapterID+"/") {
			continue
		}
		if addr, ok := variantString(props["Address"]); ok && strings.EqualFold(addr, address) {
			devicePath = path
			break
		}
	}

	prefix := string(devicePath) + "/"
	var svcPaths, charPaths, descPaths []dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if _, ok := ifaces[bluezGattService]; ok {
			svcPaths = append(svcPaths, path)
		}
		if _, ok := ifaces[bluezGattChar]; ok {
			charPaths = append(charPaths, path)
		}
		if _, ok := ifaces[bluezGattDescriptor]; ok {
			descPaths = append(descPaths, path)
		}
	}
	if len(svcPaths) == 0 {
		return nil
	}
	sortPaths(svcPaths)
	sortPaths(charPaths)
	sortPaths(descPaths)

	descriptors := make(map[dbus.ObjectPath][]string)
	for _, path := range descPaths {
		props := objects[path][bluezGattDescriptor]
		owner, _ := variantPath(props["Characteristic"])
		uuid, _ := variantString(props["UUID"])
		descriptors[owner] = append(descriptors[owner], uuid)
	}

	chars := make(map[dbus.ObjectPath][]Characteristic)
	for _, path := range charPaths {
		props := objects[path][bluezGattChar]
		owner, _ := variantPath(props["Service"])
		uuid, _ := variantString(props["UUID"])
		flags, _ := props["Flags"].Value().([]string)
		chars[owner] = append(chars[owner], Characteristic{
			UUID:        uuid,
			Properties:  append([]string{}, flags...),
			Descriptors: append([]string{}, descriptors[path]...),
		})
	}

	services := make([]Service, 0, len(svcPaths))
	for _, path := range svcPaths {
		uuid, _ := variantString(objects[path][bluezGattService]["UUID"])
		services = append(services, Service{UUID: uuid, Characteristics: chars[path]})
	}
	return services
}

func variantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}

func variantPath(v dbus.Variant) (dbus.ObjectPath, bool) {
	p, ok := v.Value().(dbus.ObjectPath)
	return p, ok
}

func sortPaths(paths []dbus.ObjectPath) {
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
}
