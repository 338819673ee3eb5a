// Package packet defines the bodies of relay packets and builds complete frames.
package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

// Op names a room operation carried by a REQUEST.
type Op string

const (
	OpCreateRoom    Op = "create_room"
	OpJoinRoom      Op = "join_room"
	OpLeaveRoom     Op = "leave_room"
	OpCloseRoom     Op = "close_room"
	OpWaitForRoom   Op = "wait_for_room"
	OpPublish       Op = "publish"
	OpSetMaster     Op = "set_master"
	OpSetOwner      Op = "set_owner"
	OpSetProperties Op = "set_properties"
)

// Request is one room operation. Only the fields the Op needs are set.
type Request struct {
	ID         uint16               `cbor:"id,omitempty"`
	Op         Op                   `cbor:"op"`
	Room       string               `cbor:"room,omitempty"`
	Properties transport.Properties `cbor:"properties,omitempty"`
	Code       transport.EventCode  `cbor:"code,omitempty"`
	Payload    []byte               `cbor:"payload,omitempty"`
	Target     transport.Target     `cbor:"target"`
	Actor      transport.ActorID    `cbor:"actor,omitempty"`
	ObjectIDs  []string             `cbor:"object_ids,omitempty"`
}

// Response answers the Request with the same ID. Error is a transport error code.
type Response struct {
	ID         uint16 `cbor:"id"`
	Error      string `cbor:"error,omitempty"`
	Message    string `cbor:"message,omitempty"`
	ServerTime int64  `cbor:"server_time"`
}

func (r Response) Err() error {
	return transport.ErrorFromCode(r.Error, r.Message)
}

// NewResponse answers id with err, which may be nil.
func NewResponse(id uint16, err error, serverTime int64) Response {
	resp := Response{ID: id, ServerTime: serverTime}
	if err != nil {
		resp.Error = transport.ErrorCode(err)
		resp.Message = err.Error()
	}
	return resp
}

// Encode marshals body and frames it as packetType.
func Encode(packetType wire.PacketType, flags byte, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = codec.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s: %w", packetType, err)
		}
	}
	return wire.EncodePacket(packetType, flags, payload)
}

// Decode unmarshals a packet body.
func Decode[T any](packetType wire.PacketType, payload []byte) (T, error) {
	var v T
	if err := codec.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", packetType, err)
	}
	return v, nil
}

func NewRequestPacket(req Request, noReply bool) ([]byte, error) {
	var flags byte
	if noReply {
		flags = wire.FlagNoReply
	}
	return Encode(wire.REQUEST, flags, req)
}

func NewResponsePacket(resp Response) ([]byte, error) {
	return Encode(wire.RESPONSE, 0, resp)
}

func NewDeliveryPacket(d transport.Delivery) ([]byte, error) {
	return Encode(wire.DELIVERY, 0, d)
}
