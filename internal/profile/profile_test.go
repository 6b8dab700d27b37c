package profile

import (
	"encoding/hex"
	"errors"
	"testing"

	"govee-plugctl/internal/protocol"
)

func TestLookup(t *testing.T) {
	for _, m := range Models() {
		p, err := Lookup(m)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", m, err)
		}
		if p.Model != m {
			t.Errorf("Lookup(%s).Model = %s", m, p.Model)
		}
		if p.OutletCount != len(p.Layout.PowerOn) || p.OutletCount != len(p.Layout.StatusBits) {
			t.Errorf("%s: outlet count %d inconsistent with layout tables", m, p.OutletCount)
		}
		if len(p.OutletNames) != p.OutletCount {
			t.Errorf("%s: %d outlet names for %d outlets", m, len(p.OutletNames), p.OutletCount)
		}
	}
}

func TestLookupUnknownModel(t *testing.T) {
	_, err := Lookup("H9999")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Lookup(H9999) error = %v, want ErrUnknownModel", err)
	}
}

// Golden frames observed on hardware. A profile change that breaks one
// of these would brick control of real devices.
func TestGoldenPowerFrames(t *testing.T) {
	tests := []struct {
		model  Model
		outlet int
		on     bool
		want   string
	}{
		{ModelH5080, 0, true, "3301ff00000000000000000000000000000000cd"},
		{ModelH5080, 0, false, "3301f000000000000000000000000000000000c2"},
		{ModelH5082, 0, true, "3301220000000000000000000000000000000010"},
		{ModelH5082, 0, false, "3301200000000000000000000000000000000012"},
		{ModelH5082, 1, true, "3301110000000000000000000000000000000023"},
		{ModelH5082, 1, false, "3301100000000000000000000000000000000022"},
		{ModelH5086, 0, true, "3301010000000000000000000000000000000033"},
		{ModelH5086, 0, false, "3301000000000000000000000000000000000032"},
	}
	for _, tt := range tests {
		p, err := Lookup(tt.model)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", tt.model, err)
		}
		frame, err := protocol.Encode(p.Layout, protocol.SetPower{Outlet: tt.outlet, On: tt.on})
		if err != nil {
			t.Fatalf("%s outlet %d on=%v: Encode() error = %v", tt.model, tt.outlet, tt.on, err)
		}
		if got := hex.EncodeToString(frame[:]); got != tt.want {
			t.Errorf("%s outlet %d on=%v:\n got %s\nwant %s", tt.model, tt.outlet, tt.on, got, tt.want)
		}
	}
}

func TestGoldenAuthKeyRequestFrame(t *testing.T) {
	// Identical across the family.
	const want = "aab100000000000000000000000000000000001b"
	for _, m := range Models() {
		p, _ := Lookup(m)
		frame := protocol.EncodeAuthKeyRequest(p.Layout)
		if got := hex.EncodeToString(frame[:]); got != want {
			t.Errorf("%s key request:\n got %s\nwant %s", m, got, want)
		}
	}
}

func TestSupports(t *testing.T) {
	tests := []struct {
		model Model
		kind  protocol.Kind
		want  bool
	}{
		{ModelH5080, protocol.KindSetPower, true},
		{ModelH5080, protocol.KindQueryState, true},
		{ModelH5080, protocol.KindQueryEnergy, false},
		{ModelH5082, protocol.KindQueryEnergy, false},
		{ModelH5086, protocol.KindQueryEnergy, true},
	}
	for _, tt := range tests {
		p, _ := Lookup(tt.model)
		if got := p.Supports(tt.kind); got != tt.want {
			t.Errorf("%s.Supports(%s) = %v, want %v", tt.model, tt.kind, got, tt.want)
		}
	}
}

func TestValidOutlet(t *testing.T) {
	h5080, _ := Lookup(ModelH5080)
	h5082, _ := Lookup(ModelH5082)

	if !h5080.ValidOutlet(0) || h5080.ValidOutlet(1) || h5080.ValidOutlet(-1) {
		t.Error("H5080 should accept only outlet 0")
	}
	if !h5082.ValidOutlet(0) || !h5082.ValidOutlet(1) || h5082.ValidOutlet(2) {
		t.Error("H5082 should accept outlets 0 and 1")
	}
}

func TestDetectModel(t *testing.T) {
	tests := []struct {
		name  string
		model Model
		ok    bool
	}{
		{"ihoment_H5080_ABCD", ModelH5080, true},
		{"ihoment_H5082_1234", ModelH5082, true},
		{"GVH50863C21", ModelH5086, true},
		{"ihoment_H6199_FFFF", "", false},
		{"LivingRoomTV", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		model, ok := DetectModel(tt.name)
		if ok != tt.ok || model != tt.model {
			t.Errorf("DetectModel(%q) = %s, %v, want %s, %v", tt.name, model, ok, tt.model, tt.ok)
		}
	}
}

func TestDecodeAdvertisement(t *testing.T) {
	h5080, _ := Lookup(ModelH5080)
	h5082, _ := Lookup(ModelH5082)

	if got := h5080.DecodeAdvertisement(nil); got != nil {
		t.Errorf("DecodeAdvertisement(nil) = %v, want nil", got)
	}

	// State rides in the last payload byte.
	on := h5080.DecodeAdvertisement([]byte{0xDE, 0xAD, 0x01})
	if len(on) != 1 || !on[0] {
		t.Errorf("H5080 adv 0x01 = %v, want [true]", on)
	}
	off := h5080.DecodeAdvertisement([]byte{0xDE, 0xAD, 0x00})
	if len(off) != 1 || off[0] {
		t.Errorf("H5080 adv 0x00 = %v, want [false]", off)
	}

	both := h5082.DecodeAdvertisement([]byte{0x03})
	if len(both) != 2 || !both[0] || !both[1] {
		t.Errorf("H5082 adv 0x03 = %v, want [true true]", both)
	}
	leftOnly := h5082.DecodeAdvertisement([]byte{0x02})
	if len(leftOnly) != 2 || !leftOnly[0] || leftOnly[1] {
		t.Errorf("H5082 adv 0x02 = %v, want [true false]", leftOnly)
	}
}
