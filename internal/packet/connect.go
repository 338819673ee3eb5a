package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

const (
	ProtocolName    = "LSSH"
	ProtocolVersion = 1
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "accepted",
	UnacceptableProtocol: "unacceptable protocol",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
}

func (c ConnectRespType) String() string {
	if name, ok := connectRespNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", byte(c))
}

var (
	ErrUserIDEmpty    = errors.New("user id is empty")
	ErrProtocol       = errors.New("incorrect protocol")
	ErrConnectRefused = errors.New("connection refused")
)

// Connect is the first packet a participant sends. KeepAlive is in seconds; zero disables the
// read deadline.
type Connect struct {
	Protocol  string `cbor:"protocol"`
	Version   uint8  `cbor:"version"`
	UserID    string `cbor:"user_id"`
	UserName  string `cbor:"user_name"`
	KeepAlive uint16 `cbor:"keep_alive"`
}

type ConnAck struct {
	Code       ConnectRespType   `cbor:"code"`
	Actor      transport.ActorID `cbor:"actor,omitempty"`
	ServerTime int64             `cbor:"server_time"`
}

func (a ConnAck) Err() error {
	if a.Code == Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConnectRefused, a.Code)
}

func NewConnectPacket(userID, userName string, keepAlive uint16) ([]byte, error) {
	return Encode(wire.CONNECT, 0, Connect{
		Protocol:  ProtocolName,
		Version:   ProtocolVersion,
		UserID:    userID,
		UserName:  userName,
		KeepAlive: keepAlive,
	})
}

func NewConnectAckPacket(code ConnectRespType, actor transport.ActorID, serverTime int64) ([]byte, error) {
	return Encode(wire.CONNACK, 0, ConnAck{Code: code, Actor: actor, ServerTime: serverTime})
}

// ParseConnectPacket validates a CONNECT body. When the connection must be refused it also
// returns the CONNACK to send before closing.
func ParseConnectPacket(payload []byte) (Connect, []byte, error) {
	connect, err := Decode[Connect](wire.CONNECT, payload)
	if err != nil {
		return connect, nil, err
	}
	if connect.Protocol != ProtocolName {
		return connect, nil, fmt.Errorf("%w: %q", ErrProtocol, connect.Protocol)
	}
	if connect.Version != ProtocolVersion {
		resp, _ := NewConnectAckPacket(UnacceptableProtocol, 0, 0)
		return connect, resp, fmt.Errorf("protocol version %d does not match", connect.Version)
	}
	if connect.UserID == "" {
		resp, _ := NewConnectAckPacket(IdentifierRejected, 0, 0)
		return connect, resp, ErrUserIDEmpty
	}
	if connect.UserName == "" {
		connect.UserName = connect.UserID
	}
	return connect, nil, nil
}
