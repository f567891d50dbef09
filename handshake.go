package msgnet

import (
	"encoding/binary"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ErrHandshakeFailed is reported when a peer answers the challenge with the
// wrong response. The connection is dropped without telling the peer why.
var ErrHandshakeFailed = errors.New("handshake failed")

const (
	scrambleKeyIn  uint64 = 0xDEADBEEFC0DECAFE
	scrambleKeyOut uint64 = 0xC0DEFACE12345678

	// The masks cover the low seven bytes only; the top byte is cleared by
	// the swap. Peers depend on this exact behaviour.
	nibbleMaskHigh uint64 = 0xF0F0F0F0F0F0F0
	nibbleMaskLow  uint64 = 0x0F0F0F0F0F0F0F
)

// Scramble is the challenge transform both sides of the handshake apply.
// It filters out peers that do not speak the protocol; it is not a security
// mechanism.
func Scramble(x uint64) uint64 {
	v := x ^ scrambleKeyIn
	v = (v&nibbleMaskHigh)>>4 | (v&nibbleMaskLow)<<4
	return v ^ scrambleKeyOut
}

func newChallenge() uint64 {
	return rand.Uint64()
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}
