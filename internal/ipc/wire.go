package ipc

import "encoding/binary"

// WireSize is the fixed on-wire length of a Message, matching the original
// system's fixed-size message struct: every request, regardless of type,
// occupies the same number of bytes on the transport.
const WireSize = 28

// ErrShortBuffer is returned when Unmarshal is given fewer than WireSize
// bytes.
type wireError string

func (e wireError) Error() string { return string(e) }

const ErrShortBuffer = wireError("ipc: buffer too short for a wire message")

// Marshal encodes m into its fixed-size wire representation. Used by
// transports that move bytes (a socket, a pipe) rather than Go values
// directly; LocalBus bypasses this and exchanges Message values in memory.
func Marshal(m Message) []byte {
	buf := make([]byte, WireSize)
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(m.Device))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(m.EndpointOrPosition))
	binary.LittleEndian.PutUint32(buf[12:16], m.Count)
	binary.LittleEndian.PutUint32(buf[16:20], m.HighPosition)
	binary.LittleEndian.PutUint64(buf[20:28], m.Grant)
	return buf
}

// Unmarshal decodes a wire message produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < WireSize {
		return Message{}, ErrShortBuffer
	}
	return Message{
		Type:               MsgType(data[0]),
		Device:             Device(binary.LittleEndian.Uint16(data[2:4])),
		EndpointOrPosition: int64(binary.LittleEndian.Uint64(data[4:12])),
		Count:              binary.LittleEndian.Uint32(data[12:16]),
		HighPosition:       binary.LittleEndian.Uint32(data[16:20]),
		Grant:              binary.LittleEndian.Uint64(data[20:28]),
	}, nil
}
