package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/layout"
	"github.com/alephtx/ipc-core/internal/memory"
)

// HandshakeMessage is exchanged by both peers during StateHandshakeAwait
// (spec.md §6): each side offers the memory it is exporting, the queue
// layout it has planned for the other to validate, and its integrity
// level so spec §8 property 7 / E4 (integrity mismatch) can be enforced
// before either side touches shared memory.
type HandshakeMessage struct {
	SlotHandle     memory.ExchangeHandle
	QueueHandle    memory.ExchangeHandle
	QueueConfig    layout.QueueMemoryConfig
	IntegrityLevel ident.IntegrityLevel
}

// wire format, little-endian throughout (spec.md §6):
//
//	uint32 frame length (excludes itself)
//	handle  slot handle   (length-prefixed blob, memory.ExchangeHandle.MarshalBinary)
//	handle  queue handle  (length-prefixed blob)
//	uint64 x 6            queue config: head off/size, tail off/size, buffer off/size
//	uint32                integrity level
const maxFrameLen = 1 << 20 // refuse to allocate for a corrupt/hostile peer

// EncodeHandshake serializes msg into a length-prefixed frame ready to
// write to the transport.
func EncodeHandshake(msg HandshakeMessage) ([]byte, error) {
	slotBlob, err := msg.SlotHandle.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal slot handle: %w", err)
	}
	queueBlob, err := msg.QueueHandle.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal queue handle: %w", err)
	}

	body := make([]byte, 0, 4+len(slotBlob)+4+len(queueBlob)+6*8+4)
	body = appendBlob(body, slotBlob)
	body = appendBlob(body, queueBlob)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.HeadOffset)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.HeadSize)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.TailOffset)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.TailSize)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.BufferOffset)
	body = binary.LittleEndian.AppendUint64(body, msg.QueueConfig.BufferSize)
	body = binary.LittleEndian.AppendUint32(body, uint32(msg.IntegrityLevel))

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

func appendBlob(dst, blob []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(blob)))
	return append(dst, blob...)
}

// ReadHandshake reads one length-prefixed handshake frame from r and
// decodes it. It returns an error on any truncation or malformed length;
// the error carries no ipcerr code (dialAndHandshake wraps it as a
// TransportError on the dialing side, Accept passes it on as is).
func ReadHandshake(r io.Reader) (HandshakeMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return HandshakeMessage{}, fmt.Errorf("protocol: read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return HandshakeMessage{}, fmt.Errorf("protocol: frame length %d exceeds maximum %d", n, maxFrameLen)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return HandshakeMessage{}, fmt.Errorf("protocol: read frame body: %w", err)
	}
	return decodeHandshakeBody(body)
}

func decodeHandshakeBody(body []byte) (HandshakeMessage, error) {
	var msg HandshakeMessage

	slotBlob, rest, err := readBlob(body)
	if err != nil {
		return msg, fmt.Errorf("protocol: slot handle: %w", err)
	}
	if err := msg.SlotHandle.UnmarshalBinary(slotBlob); err != nil {
		return msg, fmt.Errorf("protocol: decode slot handle: %w", err)
	}

	queueBlob, rest, err := readBlob(rest)
	if err != nil {
		return msg, fmt.Errorf("protocol: queue handle: %w", err)
	}
	if err := msg.QueueHandle.UnmarshalBinary(queueBlob); err != nil {
		return msg, fmt.Errorf("protocol: decode queue handle: %w", err)
	}

	if len(rest) < 6*8+4 {
		return msg, fmt.Errorf("protocol: truncated handshake tail (%d bytes)", len(rest))
	}
	msg.QueueConfig.HeadOffset = binary.LittleEndian.Uint64(rest[0:8])
	msg.QueueConfig.HeadSize = binary.LittleEndian.Uint64(rest[8:16])
	msg.QueueConfig.TailOffset = binary.LittleEndian.Uint64(rest[16:24])
	msg.QueueConfig.TailSize = binary.LittleEndian.Uint64(rest[24:32])
	msg.QueueConfig.BufferOffset = binary.LittleEndian.Uint64(rest[32:40])
	msg.QueueConfig.BufferSize = binary.LittleEndian.Uint64(rest[40:48])
	msg.IntegrityLevel = ident.IntegrityLevel(binary.LittleEndian.Uint32(rest[48:52]))

	return msg, nil
}

func readBlob(b []byte) (blob, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated blob length")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("truncated blob body")
	}
	return b[:n], b[n:], nil
}
