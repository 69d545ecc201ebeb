package scrcpy

import (
	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"
)

// StateOnline is the Device.State of a device ready for capture.
const StateOnline = "online"

// Device is an adb-visible Android device.
type Device struct {
	Serial  string `json:"serial"`
	Model   string `json:"model"`
	Product string `json:"product"`
	State   string `json:"state"`
}

func newADBClient() (*adb.Adb, error) {
	client, err := adb.NewWithConfig(adb.ServerConfig{
		Port: adb.AdbPort,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create adb client on port %d", adb.AdbPort)
	}
	return client, nil
}

// ListDevices asks the adb server for attached devices.
func ListDevices() ([]Device, error) {
	client, err := newADBClient()
	if err != nil {
		return nil, err
	}
	infos, err := client.ListDevices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list adb devices")
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{Serial: info.Serial, Model: info.Model, Product: info.Product}
		if state, err := client.Device(adb.DeviceWithSerial(info.Serial)).State(); err == nil {
			d.State = stateName(state)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func stateName(state adb.DeviceState) string {
	switch state {
	case adb.StateOnline:
		return StateOnline
	case adb.StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ResolveSerial returns serial when set, otherwise the only online device.
func ResolveSerial(serial string) (string, error) {
	if serial != "" {
		return serial, nil
	}
	client, err := newADBClient()
	if err != nil {
		return "", err
	}
	serials, err := client.ListDeviceSerials()
	if err != nil {
		return "", errors.Wrap(err, "failed to list adb devices")
	}
	switch len(serials) {
	case 0:
		return "", errors.New("no Android device connected")
	case 1:
		return serials[0], nil
	default:
		return "", errors.Errorf("%d devices connected, pick one with --serial", len(serials))
	}
}
