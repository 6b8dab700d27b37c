// Package protocol implements the Govee plug BLE frame codec. Frames
// are fixed 20-byte messages: a one-byte opcode, a one-byte sub-opcode,
// a payload padded with zeros, and a trailing checksum over the first
// 19 bytes. The per-model payload tables come from a Layout so that
// supporting a new model is a data change, not a codec change.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// FrameSize is the length of every frame exchanged with the device.
	FrameSize = 20
	// TokenSize is the length of the device auth key in bytes.
	TokenSize = 16
)

// Frame is a single wire message. Value type, never mutated after encode.
type Frame [FrameSize]byte

// Base opcodes shared by the H508x family. Per-model variation lives in
// the Layout tables, not here.
const (
	opWrite byte = 0x33 // state-changing commands and auth
	opRead  byte = 0xAA // queries and the pairing key exchange

	subPower   byte = 0x01
	subAuth    byte = 0xB2
	subAuthKey byte = 0xB1
)

var (
	ErrUnsupportedCommand = errors.New("protocol: command not supported by model")
	ErrInvalidOutlet      = errors.New("protocol: outlet index out of range")
	ErrBadLength          = errors.New("protocol: bad frame length")
	ErrChecksum           = errors.New("protocol: checksum mismatch")
	ErrBadToken           = errors.New("protocol: bad auth token")
)

// ChecksumKind selects the checksum function for a frame layout.
type ChecksumKind uint8

const (
	ChecksumXOR ChecksumKind = iota
	ChecksumAdd
)

// Layout holds the per-model frame constants. All fields are
// reverse-engineered from hardware observation.
type Layout struct {
	Checksum ChecksumKind
	// PowerOn and PowerOff hold the payload byte of the power write
	// frame for each outlet index.
	PowerOn  []byte
	PowerOff []byte
	// StatusBits maps outlet index to its bit within the state byte of
	// status reports and advertisement payloads.
	StatusBits []byte
	// EnergySubOp is the read sub-opcode for metering frames; zero when
	// the model has no energy metering.
	EnergySubOp byte
}

// Kind identifies a logical command variant.
type Kind uint8

const (
	KindSetPower Kind = iota + 1
	KindQueryState
	KindQueryEnergy
)

func (k Kind) String() string {
	switch k {
	case KindSetPower:
		return "set-power"
	case KindQueryState:
		return "query-state"
	case KindQueryEnergy:
		return "query-energy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is a logical command to be encoded into a frame.
type Command interface {
	Kind() Kind
}

// SetPower asserts the desired power state of one outlet. It is a
// state assertion, not a toggle, so re-sending after an ambiguous
// timeout is safe.
type SetPower struct {
	Outlet int
	On     bool
}

func (SetPower) Kind() Kind { return KindSetPower }

// QueryState requests a report of all outlet states.
type QueryState struct{}

func (QueryState) Kind() Kind { return KindQueryState }

// QueryEnergy requests an instantaneous power reading (metering models only).
type QueryEnergy struct{}

func (QueryEnergy) Kind() Kind { return KindQueryEnergy }

// Event is a decoded notification frame.
type Event interface {
	isEvent()
}

// PowerState reports the confirmed state of a single outlet.
type PowerState struct {
	Outlet int
	On     bool
}

// StateReport reports the state of every outlet at once.
type StateReport struct {
	Outlets []bool
}

// EnergyReading reports instantaneous power draw in watts.
type EnergyReading struct {
	Watts float64
}

// AuthAccepted confirms the device accepted our auth token.
type AuthAccepted struct{}

// AuthKey is the pairing response. Key is nil unless Granted.
type AuthKey struct {
	Granted bool
	Key     []byte
}

// Unrecognized is a well-formed frame with an opcode we don't know.
// Callers log and drop these; they are never fatal.
type Unrecognized struct {
	Op  byte
	Sub byte
}

func (PowerState) isEvent()    {}
func (StateReport) isEvent()   {}
func (EnergyReading) isEvent() {}
func (AuthAccepted) isEvent()  {}
func (AuthKey) isEvent()       {}
func (Unrecognized) isEvent()  {}

// Encode maps a logical command to its wire frame per the model layout.
func Encode(l Layout, cmd Command) (Frame, error) {
	var f Frame
	switch c := cmd.(type) {
	case SetPower:
		if c.Outlet < 0 || c.Outlet >= len(l.PowerOn) {
			return f, fmt.Errorf("%w: outlet %d of %d", ErrInvalidOutlet, c.Outlet, len(l.PowerOn))
		}
		f[0], f[1] = opWrite, subPower
		if c.On {
			f[2] = l.PowerOn[c.Outlet]
		} else {
			f[2] = l.PowerOff[c.Outlet]
		}
	case QueryState:
		f[0], f[1] = opRead, subPower
	case QueryEnergy:
		if l.EnergySubOp == 0 {
			return f, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Kind())
		}
		f[0], f[1] = opRead, l.EnergySubOp
	default:
		return f, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Kind())
	}
	f[FrameSize-1] = checksum(l.Checksum, f[:FrameSize-1])
	return f, nil
}

// EncodeAuth builds the auth handshake frame sent right after
// subscribing: opcode 0x33 0xB2 followed by the 16-byte token,
// zero-padded to the 17-byte token field.
func EncodeAuth(l Layout, token []byte) (Frame, error) {
	var f Frame
	if len(token) != TokenSize {
		return f, fmt.Errorf("%w: want %d bytes, got %d", ErrBadToken, TokenSize, len(token))
	}
	f[0], f[1] = opWrite, subAuth
	copy(f[2:], token)
	f[FrameSize-1] = checksum(l.Checksum, f[:FrameSize-1])
	return f, nil
}

// EncodeAuthKeyRequest builds the pairing frame that asks the device to
// hand over its auth key.
func EncodeAuthKeyRequest(l Layout) Frame {
	var f Frame
	f[0], f[1] = opRead, subAuthKey
	f[FrameSize-1] = checksum(l.Checksum, f[:FrameSize-1])
	return f
}

// Decode validates a notification frame and maps it to an event.
// Checksum mismatches return ErrChecksum; the frame is discarded by the
// caller, never treated as fatal.
func Decode(l Layout, data []byte) (Event, error) {
	if len(data) != FrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, len(data))
	}
	if checksum(l.Checksum, data[:FrameSize-1]) != data[FrameSize-1] {
		return nil, ErrChecksum
	}

	op, sub := data[0], data[1]
	switch {
	case op == opWrite && sub == subAuth:
		return AuthAccepted{}, nil

	case op == opWrite && sub == subPower:
		// The ack echoes the power payload byte; map it back through
		// the layout tables.
		b := data[2]
		for i, v := range l.PowerOn {
			if v == b {
				return PowerState{Outlet: i, On: true}, nil
			}
		}
		for i, v := range l.PowerOff {
			if v == b {
				return PowerState{Outlet: i, On: false}, nil
			}
		}
		return Unrecognized{Op: op, Sub: sub}, nil

	case op == opRead && sub == subPower:
		return StateReport{Outlets: DecodeStateByte(l, data[2])}, nil

	case op == opRead && sub == subAuthKey:
		if data[2] != 0x01 {
			return AuthKey{Granted: false}, nil
		}
		key := make([]byte, TokenSize)
		copy(key, data[3:3+TokenSize])
		return AuthKey{Granted: true, Key: key}, nil

	case op == opRead && l.EnergySubOp != 0 && sub == l.EnergySubOp:
		// Big-endian deciwatts.
		dw := binary.BigEndian.Uint16(data[2:4])
		return EnergyReading{Watts: float64(dw) / 10}, nil

	default:
		return Unrecognized{Op: op, Sub: sub}, nil
	}
}

// DecodeStateByte expands a packed state byte into per-outlet booleans
// using the layout's bit assignments. The same byte appears in status
// report frames and as the last byte of advertisement manufacturer data.
func DecodeStateByte(l Layout, b byte) []bool {
	out := make([]bool, len(l.StatusBits))
	for i, bit := range l.StatusBits {
		out[i] = b&bit != 0
	}
	return out
}

// ParseToken decodes a hex-encoded auth token as stored in config.
func ParseToken(s string) ([]byte, error) {
	token, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if len(token) != TokenSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadToken, TokenSize, len(token))
	}
	return token, nil
}

// checksum computes the trailing frame byte over data.
func checksum(kind ChecksumKind, data []byte) byte {
	var c byte
	for _, b := range data {
		if kind == ChecksumAdd {
			c += b
		} else {
			c ^= b
		}
	}
	return c
}
