package server

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/halvden/spacefray/pkg/protocol"
)

// Replay file layout:
//
//	[Magic "SFRP\x00\x01" (6 bytes)][Tick rate (2 bytes)]
//	then per frame:
//	[Frame (8 bytes)][Flags (1 byte)][Length (4 bytes)][Payload]
//
// The payload is a sequence of length-prefixed wire datagrams. Flag bit 0
// means the payload is LZ4 block-compressed with the uncompressed size in
// its first 4 bytes. All integers are big-endian.

var replayMagic = []byte("SFRP\x00\x01")

const (
	replayFlagCompressed = 0x01

	// maxReplayFrame caps one frame's uncompressed payload (1 MB).
	maxReplayFrame = 1024 * 1024

	// compressionThreshold is the minimum payload size to consider
	// compression.
	compressionThreshold = 64
)

var (
	ErrNotAReplay    = errors.New("not a replay file")
	ErrCorruptReplay = errors.New("corrupt replay frame")
	ErrFrameTooLarge = errors.New("replay frame exceeds maximum size")
)

// compressPayload compresses data with LZ4 and prepends the uncompressed
// size. Returns the original data if compression doesn't reduce size.
func compressPayload(data []byte) ([]byte, bool) {
	if len(data) < compressionThreshold {
		return data, false
	}
	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))
	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Compression failed or data is incompressible.
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// decompressPayload reverses compressPayload.
func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrCorruptReplay
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > maxReplayFrame {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrCorruptReplay
	}
	return out, nil
}

// Recorder writes one frame snapshot per tick to a replay file. Not safe
// for concurrent use; the tick loop owns it.
type Recorder struct {
	f *os.File
	w *bufio.Writer
}

// CreateRecording starts a replay file at path
func CreateRecording(path string, tickRate int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(replayMagic); err != nil {
		f.Close()
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(tickRate)); err != nil {
		f.Close()
		return nil, err
	}
	return &Recorder{f: f, w: w}, nil
}

// WriteFrame appends one frame's messages
func (r *Recorder) WriteFrame(frame uint64, msgs []protocol.Message) error {
	var payload []byte
	for _, msg := range msgs {
		datagram := protocol.Encode(msg)
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(datagram)))
		payload = append(payload, prefix[:]...)
		payload = append(payload, datagram...)
	}
	if len(payload) > maxReplayFrame {
		return ErrFrameTooLarge
	}

	body, compressed := compressPayload(payload)
	var flags uint8
	if compressed {
		flags |= replayFlagCompressed
	}

	if err := binary.Write(r.w, binary.BigEndian, frame); err != nil {
		return err
	}
	if err := r.w.WriteByte(flags); err != nil {
		return err
	}
	if err := binary.Write(r.w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err := r.w.Write(body)
	return err
}

// Close flushes and closes the recording
func (r *Recorder) Close() error {
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// Replay reads a recording back frame by frame.
type Replay struct {
	f        *os.File
	r        *bufio.Reader
	tickRate int
}

// OpenReplay opens a recording for reading
func OpenReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}
	r := bufio.NewReader(f)

	magic := make([]byte, len(replayMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		f.Close()
		return nil, ErrNotAReplay
	}
	for i := range magic {
		if magic[i] != replayMagic[i] {
			f.Close()
			return nil, ErrNotAReplay
		}
	}
	var tickRate uint16
	if err := binary.Read(r, binary.BigEndian, &tickRate); err != nil {
		f.Close()
		return nil, ErrNotAReplay
	}
	return &Replay{f: f, r: r, tickRate: int(tickRate)}, nil
}

// TickRate returns the recording's ticks per second
func (p *Replay) TickRate() int { return p.tickRate }

// Next returns the next frame and its messages. io.EOF signals a clean end
// of the recording.
func (p *Replay) Next() (uint64, []protocol.Message, error) {
	var frame uint64
	if err := binary.Read(p.r, binary.BigEndian, &frame); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrCorruptReplay
	}
	flags, err := p.r.ReadByte()
	if err != nil {
		return 0, nil, ErrCorruptReplay
	}
	var length uint32
	if err := binary.Read(p.r, binary.BigEndian, &length); err != nil {
		return 0, nil, ErrCorruptReplay
	}
	if length > maxReplayFrame {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(p.r, body); err != nil {
		return 0, nil, ErrCorruptReplay
	}

	if flags&replayFlagCompressed != 0 {
		body, err = decompressPayload(body)
		if err != nil {
			return 0, nil, err
		}
	}

	var msgs []protocol.Message
	for len(body) > 0 {
		if len(body) < 2 {
			return 0, nil, ErrCorruptReplay
		}
		n := int(binary.BigEndian.Uint16(body[:2]))
		body = body[2:]
		if len(body) < n {
			return 0, nil, ErrCorruptReplay
		}
		msg := protocol.Decode(body[:n])
		if msg == nil {
			return 0, nil, ErrCorruptReplay
		}
		msgs = append(msgs, msg)
		body = body[n:]
	}
	return frame, msgs, nil
}

// Close closes the recording
func (p *Replay) Close() error {
	return p.f.Close()
}
