// Package profile holds the per-model capability and frame-layout
// tables for supported Govee plugs. A profile is pure data: the codec
// and connection layers look everything up here, so adding a model
// means adding a table entry.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"govee-plugctl/internal/protocol"
)

// Model identifies a supported Govee plug model.
type Model string

const (
	ModelH5080 Model = "H5080" // single-outlet plug
	ModelH5082 Model = "H5082" // dual-outlet plug
	ModelH5086 Model = "H5086" // single-outlet plug with energy metering
)

// ErrUnknownModel is a configuration error, surfaced at setup time.
var ErrUnknownModel = errors.New("profile: unknown model")

// Profile describes one device model. Immutable once looked up.
type Profile struct {
	Model          Model
	OutletCount    int
	OutletNames    []string
	EnergyMetering bool

	// AdvPrefix is the advertisement local-name prefix used to detect
	// the model during discovery.
	AdvPrefix string

	// GATT endpoints. The whole H508x family shares one vendor service
	// and characteristic pair.
	ServiceUUID  string
	SendCharUUID string
	RecvCharUUID string

	Layout protocol.Layout
}

// The H508x family service and characteristics.
const (
	serviceUUID  = "00010203-0405-0607-0809-0a0b0c0d1910"
	sendCharUUID = "00010203-0405-0607-0809-0a0b0c0d2b11"
	recvCharUUID = "00010203-0405-0607-0809-0a0b0c0d2b10"
)

// profiles is the model table. Byte values are reverse-engineered from
// hardware observation; see each model's entry.
var profiles = map[Model]*Profile{
	ModelH5080: {
		Model:       ModelH5080,
		OutletCount: 1,
		OutletNames: []string{"Power"},
		AdvPrefix:   "ihoment_H5080_",

		ServiceUUID:  serviceUUID,
		SendCharUUID: sendCharUUID,
		RecvCharUUID: recvCharUUID,

		Layout: protocol.Layout{
			Checksum:   protocol.ChecksumXOR,
			PowerOn:    []byte{0xFF},
			PowerOff:   []byte{0xF0},
			StatusBits: []byte{0x01},
		},
	},
	ModelH5082: {
		Model:       ModelH5082,
		OutletCount: 2,
		OutletNames: []string{"Left Power", "Right Power"},
		AdvPrefix:   "ihoment_H5082_",

		ServiceUUID:  serviceUUID,
		SendCharUUID: sendCharUUID,
		RecvCharUUID: recvCharUUID,

		Layout: protocol.Layout{
			Checksum:   protocol.ChecksumXOR,
			PowerOn:    []byte{0x22, 0x11},
			PowerOff:   []byte{0x20, 0x10},
			StatusBits: []byte{0x02, 0x01},
		},
	},
	ModelH5086: {
		Model:          ModelH5086,
		OutletCount:    1,
		OutletNames:    []string{"Power"},
		EnergyMetering: true,
		AdvPrefix:      "GVH5086",

		ServiceUUID:  serviceUUID,
		SendCharUUID: sendCharUUID,
		RecvCharUUID: recvCharUUID,

		Layout: protocol.Layout{
			Checksum:    protocol.ChecksumXOR,
			PowerOn:     []byte{0x01},
			PowerOff:    []byte{0x00},
			StatusBits:  []byte{0x01},
			EnergySubOp: 0x19,
		},
	},
}

// Lookup returns the profile for a model. Unknown models are a
// configuration error; callers reject them at setup, not per command.
func Lookup(model Model) (*Profile, error) {
	p, ok := profiles[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// Models lists all supported models.
func Models() []Model {
	return []Model{ModelH5080, ModelH5082, ModelH5086}
}

// Supports reports whether the model understands a command kind.
func (p *Profile) Supports(k protocol.Kind) bool {
	switch k {
	case protocol.KindSetPower, protocol.KindQueryState:
		return true
	case protocol.KindQueryEnergy:
		return p.EnergyMetering
	default:
		return false
	}
}

// ValidOutlet reports whether i addresses an outlet on this model.
func (p *Profile) ValidOutlet(i int) bool {
	return i >= 0 && i < p.OutletCount
}

// DetectModel matches an advertisement local name to a model.
func DetectModel(localName string) (Model, bool) {
	if localName == "" {
		return "", false
	}
	for _, m := range Models() {
		if strings.HasPrefix(localName, profiles[m].AdvPrefix) {
			return m, true
		}
	}
	return "", false
}

// DecodeAdvertisement extracts per-outlet state from manufacturer data.
// The plugs broadcast the packed state byte as the last byte of the
// payload. Returns nil if the payload is empty.
func (p *Profile) DecodeAdvertisement(mfr []byte) []bool {
	if len(mfr) == 0 {
		return nil
	}
	return protocol.DecodeStateByte(p.Layout, mfr[len(mfr)-1])
}
