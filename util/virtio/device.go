package virtio

import (
	"fmt"
	"strings"
)

// DeviceType is the value a device reports in its DEVTYPE register.
type DeviceType uint32

const (
	DeviceTypeNet     DeviceType = 1
	DeviceTypeBlock   DeviceType = 2
	DeviceTypeConsole DeviceType = 3
	DeviceTypeAudio   DeviceType = 0xffff
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeNet:
		return "net"
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeConsole:
		return "console"
	case DeviceTypeAudio:
		return "audio"
	}
	return fmt.Sprintf("DeviceType(%d)", uint32(t))
}

// ParseDeviceType resolves a config name to a device type.
func ParseDeviceType(s string) (DeviceType, error) {
	for _, t := range []DeviceType{DeviceTypeNet, DeviceTypeBlock, DeviceTypeConsole, DeviceTypeAudio} {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// Status is the device status register. The driver sets bits as it makes
// progress through device bring-up; writing 0 resets the device.
type Status uint32

const (
	StatusAcknowledge       Status = 1
	StatusDriverFound       Status = 2
	StatusDriverInitialised Status = 4
	StatusFailed            Status = 0x80
)

func (s Status) String() string {
	if s == 0 {
		return "reset"
	}
	var parts []string
	for _, b := range []struct {
		s Status
		n string
	}{
		{StatusAcknowledge, "acknowledge"},
		{StatusDriverFound, "driver_found"},
		{StatusDriverInitialised, "driver_initialised"},
		{StatusFailed, "failed"},
	} {
		if s&b.s != 0 {
			parts = append(parts, b.n)
		}
	}
	if rest := s &^ (StatusAcknowledge | StatusDriverFound | StatusDriverInitialised | StatusFailed); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
