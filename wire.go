package epidra

import (
	"encoding/binary"
	"io"
)

// maxVecLen caps the length of variable-size fields that we are willing to
// allocate for.  Quotes are about a kilobyte and signature revocation lists
// rarely exceed a few hundred kilobytes.
const maxVecLen = 1 << 20

// message is implemented by the five handshake messages.  The encoding is
// compatible with bincode's default configuration: fixed-size fields are
// written as is, integers are little endian, booleans take one byte, and
// byte sequences are prefixed with their length as a u64.
type message interface {
	encode(*encoder)
	decode(*decoder)
}

type encoder struct {
	buf []byte
}

func (e *encoder) fixed(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) vec(b []byte) {
	e.u64(uint64(len(b)))
	e.fixed(b)
}

// decoder reads fields from r until the first error, which sticks.
type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) fixed(b []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = transportErr(err)
	}
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	d.fixed(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	d.fixed(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) boolean() bool {
	var b [1]byte
	d.fixed(b[:])
	if d.err != nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		d.err = decodingErr("invalid boolean 0x%02x", b[0])
		return false
	}
}

func (d *decoder) vec() []byte {
	n := d.u64()
	if d.err != nil {
		return nil
	}
	if n > maxVecLen {
		d.err = decodingErr("field length %d exceeds limit %d", n, maxVecLen)
		return nil
	}
	b := make([]byte, n)
	d.fixed(b)
	return b
}

func writeMessage(w io.Writer, m message) error {
	e := new(encoder)
	m.encode(e)
	return writeRaw(w, e.buf)
}

func readMessage(r io.Reader, m message) error {
	d := &decoder{r: r}
	m.decode(d)
	return d.err
}

func writeRaw(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return transportErr(err)
	}
	return nil
}

func readRaw(r io.Reader, b []byte) error {
	d := &decoder{r: r}
	d.fixed(b)
	return d.err
}

func writeVec(w io.Writer, b []byte) error {
	e := new(encoder)
	e.vec(b)
	return writeRaw(w, e.buf)
}

func readVec(r io.Reader) ([]byte, error) {
	d := &decoder{r: r}
	b := d.vec()
	return b, d.err
}
