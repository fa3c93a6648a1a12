// Package wire implements the fixed-size header codec and scatter-send
// framing used between a manager and a worker. The header is three
// little-endian uint32 fields regardless of host byte order; the body is
// an opaque byte slice whose length is carried in the header.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the exact on-wire size of a frame header in bytes.
const HeaderSize = 12

// DefaultMaxBodyBytes is the default ceiling on body_size, matching the
// 16 MiB default in the wire protocol.
const DefaultMaxBodyBytes = 16 * 1024 * 1024

var (
	// ErrTooLargePayload is returned by EncodeHeader when the payload
	// length does not fit in a uint32.
	ErrTooLargePayload = errors.New("wire: payload exceeds u32 max")
	// ErrShortRead means the connection ended before a full frame (header
	// or body) could be read.
	ErrShortRead = errors.New("wire: short read, connection ended mid-frame")
	// ErrShortWrite means the connection ended before a full frame could
	// be written.
	ErrShortWrite = errors.New("wire: short write, connection ended mid-frame")
	// ErrBodySizeTooLarge means a decoded header's body_size exceeds the
	// configured max-frame policy.
	ErrBodySizeTooLarge = errors.New("wire: body_size exceeds configured max frame size")
)

// Header is the 12-byte frame header: task_id, body_size, skill_id, all
// little-endian uint32, in that order on the wire.
type Header struct {
	TaskID   uint32
	BodySize uint32
	SkillID  uint32
}

// EncodeHeader writes h into a fresh 12-byte little-endian buffer.
func EncodeHeader(h Header) ([]byte, error) {
	if h.BodySize > math.MaxUint32 {
		return nil, ErrTooLargePayload
	}
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.TaskID)
	binary.LittleEndian.PutUint32(buf[4:8], h.BodySize)
	binary.LittleEndian.PutUint32(buf[8:12], h.SkillID)
	return buf, nil
}

// DecodeHeader parses exactly HeaderSize bytes of buf into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: decode header needs %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		TaskID:   binary.LittleEndian.Uint32(buf[0:4]),
		BodySize: binary.LittleEndian.Uint32(buf[4:8]),
		SkillID:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// WriteFrame performs a scatter-send: the header is written first, then
// the payload, as two separate Write calls so a TCP_NODELAY socket emits
// them back-to-back without an intermediate copy into one buffer.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if uint32(len(payload)) != h.BodySize {
		return fmt.Errorf("wire: header.body_size %d does not match payload length %d", h.BodySize, len(payload))
	}
	hdr, err := EncodeHeader(h)
	if err != nil {
		return err
	}
	if err := fullWrite(w, hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return fullWrite(w, payload)
}

func fullWrite(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}

// ReadHeader reads exactly HeaderSize bytes from r and decodes them.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, ErrShortRead
		}
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// ReadBody reads exactly n bytes from r, enforcing maxBodyBytes.
func ReadBody(r io.Reader, n uint32, maxBodyBytes uint32) ([]byte, error) {
	if n > maxBodyBytes {
		return nil, ErrBodySizeTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads a full header+body frame, enforcing maxBodyBytes.
func ReadFrame(r io.Reader, maxBodyBytes uint32) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	body, err := ReadBody(r, h.BodySize, maxBodyBytes)
	if err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}
