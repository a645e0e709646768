// Package wire implements the fixed binary formats spoken by the FPGA
// sensor bridge: the data-path bridge packet header and the control-path
// register request/response messages.
//
// All multi-byte fields are big-endian; the FPGA serializes network order.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Bridge packet framing constants. Every data-plane UDP datagram starts with
// a fixed 28-byte header followed by one payload chunk of the frame.
const (
	Magic         = 0x5342 // "SB", start-of-packet marker
	Version       = 1      // wire format revision
	HeaderSize    = 28     // fixed header length in bytes
	MaxPayloadLen = 65507 - HeaderSize

	// FlagEndOfFrame marks the chunk carrying the highest sequence number.
	// It is a hint only; completion is decided by the reassembly bitmap.
	FlagEndOfFrame = 0x01
)

// Control-path operation codes. A request carries one of these; the matching
// response carries the same code with ResponseBit set.
const (
	OpWrite     = 0x04 // write one 32-bit register
	OpRead      = 0x14 // read one 32-bit register
	ResponseBit = 0x80

	ControlMessageSize = 12 // request and response share one layout
)

// Control response status codes, carried in the flags byte of a response.
const (
	StatusOK             = 0x00
	StatusInvalidAddress = 0x03
	StatusInvalidOp      = 0x04
	StatusBusy           = 0x05
)

// PacketHeader is the parsed bridge packet header. Immutable once parsed.
type PacketHeader struct {
	Flags        uint8  // FlagEndOfFrame etc.
	ChannelID    uint16 // logical sensor stream
	FrameID      uint32 // frame this chunk belongs to
	Sequence     uint32 // chunk index within the frame, < TotalPackets
	TotalPackets uint32 // chunk count for the whole frame
	PayloadLen   uint16 // bytes of payload following the header
	Timestamp    uint64 // FPGA clock domain, nanoseconds
}

// ParseError reports a malformed bridge packet. Parse errors are counted and
// the packet discarded; a malformed datagram cannot be recovered.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed bridge packet: %s", e.Reason)
}

func parseErrorf(format string, v ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, v...)}
}

// ParsePacket parses the header of one bridge datagram and returns the
// header plus the payload slice aliasing data. The payload is not copied;
// callers that retain it past the receive call must copy it themselves.
func ParsePacket(data []byte) (PacketHeader, []byte, error) {
	var h PacketHeader
	if len(data) < HeaderSize {
		return h, nil, parseErrorf("short datagram: %d bytes, header needs %d", len(data), HeaderSize)
	}
	if m := binary.BigEndian.Uint16(data[0:2]); m != Magic {
		return h, nil, parseErrorf("bad magic 0x%04X", m)
	}
	if v := data[2]; v != Version {
		return h, nil, parseErrorf("unsupported version %d", v)
	}
	h.Flags = data[3]
	h.ChannelID = binary.BigEndian.Uint16(data[4:6])
	h.FrameID = binary.BigEndian.Uint32(data[6:10])
	h.Sequence = binary.BigEndian.Uint32(data[10:14])
	h.TotalPackets = binary.BigEndian.Uint32(data[14:18])
	h.PayloadLen = binary.BigEndian.Uint16(data[18:20])
	h.Timestamp = binary.BigEndian.Uint64(data[20:28])

	if h.TotalPackets == 0 {
		return h, nil, parseErrorf("zero total_packets")
	}
	if h.Sequence >= h.TotalPackets {
		return h, nil, parseErrorf("sequence %d out of range (total_packets=%d)", h.Sequence, h.TotalPackets)
	}
	if int(h.PayloadLen) != len(data)-HeaderSize {
		return h, nil, parseErrorf("payload_len %d disagrees with datagram (%d bytes after header)",
			h.PayloadLen, len(data)-HeaderSize)
	}
	return h, data[HeaderSize:], nil
}

// AppendPacket serializes a bridge packet (header + payload) onto buf.
// Used by the replay tool, the emulated FPGA in tests, and diagnostics.
func AppendPacket(buf []byte, h PacketHeader, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	hdr[3] = h.Flags
	binary.BigEndian.PutUint16(hdr[4:6], h.ChannelID)
	binary.BigEndian.PutUint32(hdr[6:10], h.FrameID)
	binary.BigEndian.PutUint32(hdr[10:14], h.Sequence)
	binary.BigEndian.PutUint32(hdr[14:18], h.TotalPackets)
	binary.BigEndian.PutUint16(hdr[18:20], uint16(len(payload)))
	binary.BigEndian.PutUint64(hdr[20:28], h.Timestamp)
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}

// ControlRequest is one register operation on the control plane.
type ControlRequest struct {
	Op            uint8  // OpRead or OpWrite
	Flags         uint8  // reserved, zero on requests
	TransactionID uint16 // unique among pending transactions
	Address       uint32 // register address
	Value         uint32 // write value; ignored for reads
}

// ControlResponse is the FPGA's reply to one ControlRequest.
type ControlResponse struct {
	Op            uint8 // request op with ResponseBit set
	Status        uint8 // StatusOK or an error status
	TransactionID uint16
	Address       uint32
	Value         uint32 // read result; echoes the write value on writes
}

// EncodeControlRequest serializes a control request into a fresh buffer.
func EncodeControlRequest(req ControlRequest) []byte {
	b := make([]byte, ControlMessageSize)
	b[0] = req.Op
	b[1] = req.Flags
	binary.BigEndian.PutUint16(b[2:4], req.TransactionID)
	binary.BigEndian.PutUint32(b[4:8], req.Address)
	binary.BigEndian.PutUint32(b[8:12], req.Value)
	return b
}

// EncodeControlResponse serializes a control response. Used by the FPGA
// emulation in tests and by the replay tooling.
func EncodeControlResponse(resp ControlResponse) []byte {
	b := make([]byte, ControlMessageSize)
	b[0] = resp.Op
	b[1] = resp.Status
	binary.BigEndian.PutUint16(b[2:4], resp.TransactionID)
	binary.BigEndian.PutUint32(b[4:8], resp.Address)
	binary.BigEndian.PutUint32(b[8:12], resp.Value)
	return b
}

// DecodeControlRequest parses a control-plane request datagram.
func DecodeControlRequest(data []byte) (ControlRequest, error) {
	var req ControlRequest
	if len(data) != ControlMessageSize {
		return req, parseErrorf("control request is %d bytes, want %d", len(data), ControlMessageSize)
	}
	req.Op = data[0]
	if req.Op != OpRead && req.Op != OpWrite {
		return req, parseErrorf("unknown control op 0x%02X", req.Op)
	}
	req.Flags = data[1]
	req.TransactionID = binary.BigEndian.Uint16(data[2:4])
	req.Address = binary.BigEndian.Uint32(data[4:8])
	req.Value = binary.BigEndian.Uint32(data[8:12])
	return req, nil
}

// DecodeControlResponse parses a control-plane response datagram.
func DecodeControlResponse(data []byte) (ControlResponse, error) {
	var resp ControlResponse
	if len(data) != ControlMessageSize {
		return resp, parseErrorf("control response is %d bytes, want %d", len(data), ControlMessageSize)
	}
	resp.Op = data[0]
	if resp.Op&ResponseBit == 0 {
		return resp, parseErrorf("control response missing response bit (op=0x%02X)", resp.Op)
	}
	resp.Status = data[1]
	resp.TransactionID = binary.BigEndian.Uint16(data[2:4])
	resp.Address = binary.BigEndian.Uint32(data[4:8])
	resp.Value = binary.BigEndian.Uint32(data[8:12])
	return resp, nil
}
