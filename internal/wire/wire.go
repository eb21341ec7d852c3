// Package wire provides envelope framing for the relay protocol.
//
// A frame is a uvarint length, one flag byte and a body. The body is an
// Envelope in protobuf wire format, zstd compressed when the flag's low bit
// is set. The length counts the flag byte and the body.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
)

const flagZstd byte = 1 << 0

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(config.DefaultMaxFrameSize)))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// Reader reads framed envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxFrameSize}
}

// Read reads and decodes the next envelope.
// Frames larger than the maximum frame size yield ErrFrameTooLarge.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if size == 0 {
		return nil, fmt.Errorf("empty frame: %w", errors.ErrProtocol)
	}
	if size > uint64(r.maxSize) {
		return nil, fmt.Errorf("frame of %d bytes: %w", size, errors.ErrFrameTooLarge)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	flags, body := frame[0], frame[1:]
	if flags&flagZstd != 0 {
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd frame: %v: %w", err, errors.ErrProtocol)
		}
	}

	return Unmarshal(body)
}

// Writer writes framed envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex

	// compressAbove is the body size above which frames are compressed.
	// Zero disables compression.
	compressAbove int
	maxSize       int
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:             w,
		compressAbove: config.DefaultCompressAbove,
		maxSize:       config.DefaultMaxFrameSize,
	}
}

// SetCompressAbove sets the compression threshold. Zero disables it.
func (w *Writer) SetCompressAbove(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compressAbove = n
}

// Write encodes and writes an envelope.
func (w *Writer) Write(env *Envelope) error {
	body, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var flags byte
	if w.compressAbove > 0 && len(body) > w.compressAbove {
		// Incompressible bodies go out as they are.
		if c := zstdEncoder.EncodeAll(body, nil); len(c) < len(body) {
			body = c
			flags |= flagZstd
		}
	}

	if len(body)+1 > w.maxSize {
		return fmt.Errorf("frame of %d bytes: %w", len(body)+1, errors.ErrFrameTooLarge)
	}

	frame := make([]byte, 0, binary.MaxVarintLen64+1+len(body))
	frame = binary.AppendUvarint(frame, uint64(len(body)+1))
	frame = append(frame, flags)
	frame = append(frame, body...)

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}
