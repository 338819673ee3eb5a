package packet

func NewPingReqPacket() []byte {
	return []byte{0x60, 0x00}
}

func NewPingRespPacket() []byte {
	return []byte{0x70, 0x00}
}

func NewDisconnectPacket() []byte {
	return []byte{0x80, 0x00}
}
