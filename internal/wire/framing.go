package wire

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrRemainingLength = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge  = errors.New("packet body too large")
)

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return uint16(bytes[0])<<8 | uint16(bytes[1])
}

func UInt16ToByte(number uint16) []byte {
	return []byte{byte(number >> 8), byte(number)}
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket reads one frame. The body is only allocated once the header validated.
func ReadPacket(r io.Reader) (*FixedHeader, []byte, error) {
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, nil, err
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, nil, err
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}
	if _, known := allowedFlags[header.Type]; !known {
		return nil, nil, fmt.Errorf("unknown packet type %d", header.Type)
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, nil, fmt.Errorf("flags %d of %s packet is not valid", header.Flags, header.Type.String())
	}

	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

// EncodePacket builds a complete frame.
func EncodePacket(packetType PacketType, flags byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxRemainingLength {
		return nil, fmt.Errorf("%s: %w (%d bytes)", packetType, ErrPacketTooLarge, len(payload))
	}
	if !ValidateFlags(packetType, flags) {
		return nil, fmt.Errorf("flags %d of %s packet is not valid", flags, packetType)
	}
	length := EncodeRemainingLength(len(payload))
	frame := make([]byte, 0, 1+len(length)+len(payload))
	frame = append(frame, byte(packetType)<<4|flags)
	frame = append(frame, length...)
	return append(frame, payload...), nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLength
}

// EncodeRemainingLength encodes x in 7-bit groups, least significant first. Zero is one byte.
func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed := allowedFlags[pt]
	return (flags & ^allowed) == 0
}
