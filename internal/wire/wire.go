// Package wire frames relay packets: a one-byte fixed header (type and flags) followed by the
// remaining length and the packet body.
package wire

// PacketType is the relay control packet type carried in the high nibble of the fixed header.
type PacketType byte

const (
	CONNECT    PacketType = iota + 1 // participant asks to attach to the relay
	CONNACK                          // connect acknowledgement with the assigned actor
	REQUEST                          // room operation or command
	RESPONSE                         // answer to a REQUEST carrying a packet id
	DELIVERY                         // room event or message pushed to a participant
	PINGREQ                          // keep-alive request
	PINGRESP                         // keep-alive response
	DISCONNECT                       // orderly goodbye
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:    "CONNECT",
	CONNACK:    "CONNACK",
	REQUEST:    "REQUEST",
	RESPONSE:   "RESPONSE",
	DELIVERY:   "DELIVERY",
	PINGREQ:    "PINGREQ",
	PINGRESP:   "PINGRESP",
	DISCONNECT: "DISCONNECT",
}

func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// FlagNoReply marks a REQUEST whose sender does not wait for a RESPONSE.
const FlagNoReply byte = 0x01

// allowedFlags lists the flag bits each packet type may carry.
var allowedFlags = map[PacketType]byte{
	CONNECT:    0x00,
	CONNACK:    0x00,
	REQUEST:    FlagNoReply,
	RESPONSE:   0x00,
	DELIVERY:   0x00,
	PINGREQ:    0x00,
	PINGRESP:   0x00,
	DISCONNECT: 0x00,
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// MaxRemainingLength is the largest body four remaining-length bytes can describe.
const MaxRemainingLength = 268435455
