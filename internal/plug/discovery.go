package plug

import (
	"context"
	"fmt"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
)

// DiscoveredPlug is a scan hit: an advertising device whose local name
// matched a supported model.
type DiscoveredPlug struct {
	ble.Device
	Model profile.Model
}

// Scan discovers advertising Govee plugs until ctx is cancelled. The
// plugs do not advertise their GATT service, so matching is by
// advertisement local-name prefix.
func Scan(ctx context.Context, adapter ble.Adapter) ([]DiscoveredPlug, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("plug: enable adapter: %w", err)
	}

	devices, err := adapter.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("plug: scan: %w", err)
	}

	var found []DiscoveredPlug
	for _, d := range devices {
		if model, ok := profile.DetectModel(d.Name); ok {
			found = append(found, DiscoveredPlug{Device: d, Model: model})
		}
	}
	return found, nil
}
