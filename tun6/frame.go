package tun6

import "encoding/binary"

// The TUN packet information header: flags (u16) followed by the
// ethertype (u16).  The Linux driver writes and expects the ethertype
// in network byte order; other kernels use host order, so the encoding
// lives here in one place.
const frameHeaderLen = 4

const etherTypeIPv6 = 0x86dd

// maxPacketLen is the largest IPv6 packet the 16-bit payload length
// upper bound allows.
const maxPacketLen = 65535

// encodeFrame appends the framed form of pkt to dst: a zero flags
// field, the IPv6 ethertype, then the packet itself.
func encodeFrame(dst, pkt []byte) []byte {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[2:4], etherTypeIPv6)
	dst = append(dst, hdr[:]...)
	return append(dst, pkt...)
}

// decodeFrame strips the packet information header from one frame as
// read from the device.  It returns nil for a frame too short to carry
// the header or one whose ethertype is not IPv6.
func decodeFrame(frame []byte) []byte {
	if len(frame) < frameHeaderLen {
		return nil
	}
	if binary.BigEndian.Uint16(frame[2:4]) != etherTypeIPv6 {
		return nil
	}
	return frame[frameHeaderLen:]
}
