package protocol

import (
	"encoding/binary"
	"io"
	"math"
)

// Binary primitives shared by the codec. Everything on the wire is
// big-endian regardless of host architecture.

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteUint32 writes a 4-byte big-endian unsigned integer
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint64 writes an 8-byte big-endian unsigned integer
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteFloat32 writes a 4-byte big-endian IEEE 754 float
func WriteFloat32(w io.Writer, v float32) error {
	return WriteUint32(w, math.Float32bits(v))
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint32 reads a 4-byte big-endian unsigned integer
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads an 8-byte big-endian unsigned integer
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadFloat32 reads a 4-byte big-endian IEEE 754 float
func ReadFloat32(r io.Reader) (float32, error) {
	v, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}
