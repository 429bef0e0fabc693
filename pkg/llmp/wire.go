package llmp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frame is the envelope the LLMP-over-TCP transport prepends to every
// event: a 32-bit tag (event.Tag, or one of the control sentinels below),
// a 32-bit sender id, and a length-prefixed payload.
type frame struct {
	tag      uint32
	senderID uint32
	payload  []byte
}

const frameHeaderSize = 12 // tag + sender id + length, all uint32

// Control sentinels live outside event.Tag's reserved namespace and never
// reach the event codec; they drive the connection handshake and the
// await-restart-safe sync this package layers on top of the raw tagged
// frame ("32-bit message tag prepended by the LLMP transport").
const (
	controlHello   uint32 = 0xFFFFFFFD // client -> broker: "assign me an id" (senderID = requested id, 0 = any)
	controlAssign  uint32 = 0xFFFFFFFC // broker -> client: senderID = assigned id
	controlSync    uint32 = 0xFFFFFFFB // client -> broker: await_restart_safe request
	controlSyncAck uint32 = 0xFFFFFFFA // broker -> client: all pages acknowledged
)

func writeFrame(w io.Writer, f frame) error {
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], f.tag)
	binary.LittleEndian.PutUint32(header[4:8], f.senderID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(f.payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("llmp: write frame header: %w", err)
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return fmt.Errorf("llmp: write frame payload: %w", err)
		}
	}
	return nil
}

const maxFramePayload = 64 << 20 // matches event.MaxFrameSize

func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[8:12])
	if length > maxFramePayload {
		return frame{}, fmt.Errorf("llmp: frame length %d exceeds max %d", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("llmp: read frame payload: %w", err)
		}
	}
	return frame{
		tag:      binary.LittleEndian.Uint32(header[0:4]),
		senderID: binary.LittleEndian.Uint32(header[4:8]),
		payload:  payload,
	}, nil
}
