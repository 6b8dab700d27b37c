package plug

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

// Pair performs the one-time key handshake with an unpaired plug: ask
// the device for its auth key and wait for the key notification. The
// H508x family shares this procedure. Returns the hex token to store in
// config. The device occasionally answers with a not-ready status, in
// which case the request is re-sent until ctx expires.
func Pair(ctx context.Context, adapter ble.Adapter, addr string, model profile.Model) (string, error) {
	prof, err := profile.Lookup(model)
	if err != nil {
		return "", err
	}

	if err := adapter.Enable(); err != nil {
		return "", fmt.Errorf("plug: enable adapter: %w", err)
	}

	conn, err := adapter.Connect(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	defer func() { _ = conn.Disconnect() }()

	sendChar, err := conn.DiscoverCharacteristic(prof.ServiceUUID, prof.SendCharUUID)
	if err != nil {
		return "", fmt.Errorf("plug: discover send characteristic: %w", err)
	}
	recvChar, err := conn.DiscoverCharacteristic(prof.ServiceUUID, prof.RecvCharUUID)
	if err != nil {
		return "", fmt.Errorf("plug: discover recv characteristic: %w", err)
	}

	request := protocol.EncodeAuthKeyRequest(prof.Layout)
	keyCh := make(chan []byte, 1)

	if err := recvChar.Subscribe(func(data []byte) {
		ev, err := protocol.Decode(prof.Layout, data)
		if err != nil {
			return
		}
		ak, ok := ev.(protocol.AuthKey)
		if !ok {
			return
		}
		if !ak.Granted {
			// Not ready yet; ask again.
			_ = sendChar.Write(request[:])
			return
		}
		select {
		case keyCh <- ak.Key:
		default:
		}
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	slog.Info("[plug] requesting auth key", "addr", addr, "model", model)
	if err := sendChar.Write(request[:]); err != nil {
		return "", fmt.Errorf("plug: write key request: %w", err)
	}

	select {
	case key := <-keyCh:
		slog.Info("[plug] received auth key", "addr", addr)
		return hex.EncodeToString(key), nil
	case <-ctx.Done():
		return "", fmt.Errorf("plug: pairing %s: %w", addr, ctx.Err())
	}
}
