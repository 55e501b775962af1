package hal

import (
	"fmt"

	"github.com/ardnew/eiepro/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// DeviceDescriptor holds the identification fields of a device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	NumConfigurations uint8
}

// EndpointDescriptor describes one endpoint of an alternate setting.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // wMaxPacketSize including high-bandwidth bits
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// MaxPacket returns the bytes one service interval can carry, folding in
// the high-bandwidth multiplier of high speed isochronous endpoints.
func (e *EndpointDescriptor) MaxPacket() int {
	size := int(e.MaxPacketSize & 0x07FF)
	mult := int(e.MaxPacketSize>>11&0x03) + 1
	return size * mult
}

// Interface is one alternate setting of an interface.
type Interface struct {
	Number     uint8
	AltSetting uint8
	Class      uint8
	SubClass   uint8
	Endpoints  []EndpointDescriptor
}

// Configuration is a parsed configuration descriptor tree.
type Configuration struct {
	Device     DeviceDescriptor
	Value      uint8
	Interfaces []Interface
}

// Interface returns the alternate setting alt of interface number, or nil.
func (c *Configuration) Interface(number, alt uint8) *Interface {
	for i := range c.Interfaces {
		if c.Interfaces[i].Number == number && c.Interfaces[i].AltSetting == alt {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// Endpoint returns the nth endpoint (0-based) of the interface matching the
// transfer type and direction, or nil.
func (i *Interface) Endpoint(typ TransferType, in bool, nth int) *EndpointDescriptor {
	for k := range i.Endpoints {
		ep := &i.Endpoints[k]
		if ep.TransferType() != typ || ep.IsIn() != in {
			continue
		}
		if nth == 0 {
			return ep
		}
		nth--
	}
	return nil
}

// ParseDeviceDescriptor parses an 18-byte device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.USBVersion = le16(data[2:])
	out.VendorID = le16(data[8:])
	out.ProductID = le16(data[10:])
	out.DeviceVersion = le16(data[12:])
	out.NumConfigurations = data[17]
	return nil
}

// ParseDescriptors parses the raw bytes of a device descriptor followed by
// one configuration descriptor tree, as returned by Bus.Descriptors.
func ParseDescriptors(data []byte) (*Configuration, error) {
	cfg := &Configuration{}
	if err := ParseDeviceDescriptor(data, &cfg.Device); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	n := int(data[0])
	if n < DeviceDescriptorSize || n > len(data) {
		n = DeviceDescriptorSize
	}
	data = data[n:]

	if len(data) < ConfigurationDescriptorSize {
		return nil, fmt.Errorf("configuration descriptor: %w", pkg.ErrDescriptorTooShort)
	}
	if data[1] != DescriptorTypeConfiguration {
		return nil, fmt.Errorf("configuration descriptor: %w", pkg.ErrDescriptorTypeMismatch)
	}
	total := int(le16(data[2:]))
	if total > len(data) {
		total = len(data)
	}
	cfg.Value = data[5]

	var current *Interface
	offset := int(data[0])
	for offset+2 <= total {
		length := int(data[offset])
		if length < 2 || offset+length > total {
			break
		}
		desc := data[offset : offset+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			if length < InterfaceDescriptorSize {
				return nil, fmt.Errorf("interface descriptor at %d: %w", offset, pkg.ErrDescriptorTooShort)
			}
			cfg.Interfaces = append(cfg.Interfaces, Interface{
				Number:     desc[2],
				AltSetting: desc[3],
				Class:      desc[5],
				SubClass:   desc[6],
			})
			current = &cfg.Interfaces[len(cfg.Interfaces)-1]

		case DescriptorTypeEndpoint:
			if length < EndpointDescriptorSize {
				return nil, fmt.Errorf("endpoint descriptor at %d: %w", offset, pkg.ErrDescriptorTooShort)
			}
			if current == nil {
				break
			}
			current.Endpoints = append(current.Endpoints, EndpointDescriptor{
				Address:       desc[2],
				Attributes:    desc[3],
				MaxPacketSize: le16(desc[4:]),
				Interval:      desc[6],
			})
		}
		offset += length
	}
	return cfg, nil
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
