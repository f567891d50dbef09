package msgnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Errors returned by message body operations.
var (
	// ErrNotFixedSize is returned when a value without a fixed binary size is
	// pushed to or popped from a message body.
	ErrNotFixedSize = errors.New("value is not fixed-size")
	// ErrBodyUnderflow is returned when popping more bytes than the body holds.
	ErrBodyUnderflow = errors.New("message body underflow")
	// ErrMessageTooLarge is returned when a header announces a body larger than
	// the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// TypeCode is the constraint for protocol message identifiers. Applications
// declare their own enumeration, e.g.
//
//	type MsgType uint32
//
//	const (
//		ServerAccept MsgType = iota
//		ServerPing
//	)
type TypeCode interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Header is the fixed-size prefix of every message on the wire.
//
// The encoded layout is that of the C struct { T id; uint32_t size; } in host
// byte order: id first, padded to four bytes when narrower, then size, with
// trailing padding up to the alignment of T. For uint32 codes a header is
// exactly eight bytes.
type Header[T TypeCode] struct {
	ID   T
	Size uint32
}

func idWidth[T TypeCode]() int {
	var id T
	return binary.Size(id)
}

// idFieldSize is the offset of the size field.
func idFieldSize[T TypeCode]() int {
	return max(idWidth[T](), 4)
}

// HeaderSize returns the encoded size of Header[T].
func HeaderSize[T TypeCode]() int {
	align := idFieldSize[T]()
	n := align + 4
	return (n + align - 1) / align * align
}

func (h Header[T]) put(buf []byte) {
	clear(buf[:HeaderSize[T]()])

	switch idWidth[T]() {
	case 1:
		buf[0] = byte(h.ID)
	case 2:
		binary.NativeEndian.PutUint16(buf, uint16(h.ID))
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(h.ID))
	case 8:
		binary.NativeEndian.PutUint64(buf, uint64(h.ID))
	}
	binary.NativeEndian.PutUint32(buf[idFieldSize[T]():], h.Size)
}

func parseHeader[T TypeCode](buf []byte) Header[T] {
	var h Header[T]
	switch idWidth[T]() {
	case 1:
		h.ID = T(buf[0])
	case 2:
		h.ID = T(binary.NativeEndian.Uint16(buf))
	case 4:
		h.ID = T(binary.NativeEndian.Uint32(buf))
	case 8:
		h.ID = T(binary.NativeEndian.Uint64(buf))
	}
	h.Size = binary.NativeEndian.Uint32(buf[idFieldSize[T]():])
	return h
}

// Message is a typed, length-framed protocol message.
//
// The body behaves as a stack: Push appends a value, Pop removes the most
// recently pushed one. Fields must therefore be pushed in the reverse of the
// order the receiver pops them.
type Message[T TypeCode] struct {
	Header Header[T]
	Body   []byte
}

// NewMessage returns an empty message with the given type code.
func NewMessage[T TypeCode](id T) Message[T] {
	return Message[T]{Header: Header[T]{ID: id}}
}

// Size returns the number of body bytes.
func (m *Message[T]) Size() int {
	return len(m.Body)
}

// Push appends the host-byte-order encoding of v to the body. v must have a
// fixed binary size: a bool, sized number, or an array, struct or slice of them.
func (m *Message[T]) Push(v any) error {
	if binary.Size(v) < 0 {
		return errors.Wrapf(ErrNotFixedSize, "push %T", v)
	}

	body, err := binary.Append(m.Body, binary.NativeEndian, v)
	if err != nil {
		return errors.Wrapf(err, "push %T", v)
	}

	m.Body = body
	m.Header.Size = uint32(len(m.Body))
	return nil
}

// Pop decodes the last binary.Size(v) bytes of the body into v, which must be
// a pointer to a fixed-size value, and removes them from the body.
func (m *Message[T]) Pop(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return errors.Wrapf(ErrNotFixedSize, "pop %T", v)
	}
	if n > len(m.Body) {
		return errors.Wrapf(ErrBodyUnderflow, "pop %T: need %d bytes, have %d", v, n, len(m.Body))
	}

	start := len(m.Body) - n
	if _, err := binary.Decode(m.Body[start:], binary.NativeEndian, v); err != nil {
		return errors.Wrapf(err, "pop %T", v)
	}

	m.Body = m.Body[:start]
	m.Header.Size = uint32(len(m.Body))
	return nil
}

// Clone returns a deep copy of m.
func (m Message[T]) Clone() Message[T] {
	return Message[T]{Header: m.Header, Body: bytes.Clone(m.Body)}
}

// Encode returns the wire encoding of m: the header followed by the body.
func (m Message[T]) Encode() []byte {
	n := HeaderSize[T]()
	buf := make([]byte, n+len(m.Body))
	m.header().put(buf)
	copy(buf[n:], m.Body)
	return buf
}

// header returns the header to put on the wire; Size always reflects the body.
func (m Message[T]) header() Header[T] {
	h := m.Header
	h.Size = uint32(len(m.Body))
	return h
}

func (m Message[T]) String() string {
	return fmt.Sprintf("ID:%d Size:%d", uint64(m.Header.ID), m.Header.Size)
}

// ReadMessage reads exactly one framed message from r. A header announcing a
// body larger than maxBody fails with ErrMessageTooLarge; maxBody <= 0 means
// no limit.
func ReadMessage[T TypeCode](r io.Reader, maxBody int) (Message[T], error) {
	hdr := make([]byte, HeaderSize[T]())
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message[T]{}, errors.Wrap(err, "read header")
	}

	msg := Message[T]{Header: parseHeader[T](hdr)}
	if msg.Header.Size == 0 {
		return msg, nil
	}

	if maxBody > 0 && int64(msg.Header.Size) > int64(maxBody) {
		return Message[T]{}, errors.Wrapf(ErrMessageTooLarge, "body size %d exceeds %d", msg.Header.Size, maxBody)
	}

	msg.Body = make([]byte, msg.Header.Size)
	if _, err := io.ReadFull(r, msg.Body); err != nil {
		return Message[T]{}, errors.Wrap(err, "read body")
	}
	return msg, nil
}

// OwnedMessage is a received message tagged with the connection it arrived
// on. Remote is always set on the server side and always nil on the client
// side, where there is only one peer.
type OwnedMessage[T TypeCode] struct {
	Remote *Conn[T]
	Msg    Message[T]
}
