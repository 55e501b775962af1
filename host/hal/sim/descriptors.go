package sim

import "github.com/ardnew/eiepro/host/hal"

// Endpoint addresses of the simulated device.
const (
	EndpointPlayback = 0x02
	EndpointSync     = 0x81
	EndpointCapture  = 0x86
	EndpointMIDIIn   = 0x83
	EndpointMIDIOut  = 0x03
)

const (
	attrIsoAsync = 0x05
	attrIsoIn    = 0x11
	attrBulk     = 0x02
)

func endpoint(addr, attr uint8, maxp, interval int) []byte {
	return []byte{hal.EndpointDescriptorSize, hal.DescriptorTypeEndpoint,
		addr, attr, byte(maxp), byte(maxp >> 8), byte(interval)}
}

func iface(number, alt uint8, endpoints int) []byte {
	return []byte{hal.InterfaceDescriptorSize, hal.DescriptorTypeInterface,
		number, alt, byte(endpoints), 0xff, 0, 0, 0}
}

// descriptors builds the device descriptor and configuration tree.
func descriptors(o Options) []byte {
	dev := []byte{
		hal.DeviceDescriptorSize, hal.DescriptorTypeDevice, 0x00, 0x02,
		0xff, 0x00, 0x00, 64,
		byte(o.VendorID), byte(o.VendorID >> 8), byte(o.ProductID), byte(o.ProductID >> 8),
		0x00, 0x01, 1, 2, 0, 1,
	}

	var body []byte
	body = append(body, iface(0, 0, 0)...)
	body = append(body, iface(0, 1, 1)...)
	body = append(body, endpoint(EndpointPlayback, attrIsoAsync, o.PlaybackMaxPacket, 1)...)

	n := 2
	if !o.NoMIDI {
		n = 4
	}
	body = append(body, iface(1, 0, 0)...)
	body = append(body, iface(1, 1, n)...)
	body = append(body, endpoint(EndpointSync, attrIsoIn, o.SyncMaxPacket, 4)...)
	body = append(body, endpoint(EndpointCapture, attrBulk, o.CaptureMaxPacket, 0)...)
	if !o.NoMIDI {
		body = append(body, endpoint(EndpointMIDIIn, attrBulk, o.MIDIMaxPacket, 0)...)
		body = append(body, endpoint(EndpointMIDIOut, attrBulk, o.MIDIMaxPacket, 0)...)
	}

	total := hal.ConfigurationDescriptorSize + len(body)
	conf := []byte{hal.ConfigurationDescriptorSize, hal.DescriptorTypeConfiguration,
		byte(total), byte(total >> 8), 2, 1, 0, 0x80, 50}

	out := append(dev, conf...)
	return append(out, body...)
}
