package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the clear-text length prefix.
	LengthPrefixSize = 2

	// DefaultMaxMessageSize is the default maximum plaintext frame size.
	// Describe responses are the largest legitimate frames and stay well
	// under this.
	DefaultMaxMessageSize = 8192

	// MaxLogFrameDataSize is the maximum frame data size to include in
	// log events; larger frames are truncated in the event only.
	MaxLogFrameDataSize = 1024
)

// Framing errors.
var (
	// ErrMessageTooLarge indicates the frame exceeds the maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrMessageEmpty indicates an empty frame.
	ErrMessageEmpty = errors.New("transport: message is empty")

	// ErrFrameTruncated indicates the socket closed mid-frame.
	ErrFrameTruncated = errors.New("transport: frame truncated")

	// ErrCrypto indicates the ciphertext could not be decrypted; the
	// CBC chains are desynchronized and the session is unrecoverable.
	ErrCrypto = errors.New("transport: crypto error")
)

// CipherWriter encrypts frames and writes them length-prefixed to the
// socket. The counter assignment, encryption and write of one frame
// must form a single step, so WriteFrame holds a mutex and writes
// prefix plus ciphertext as one unit.
type CipherWriter struct {
	w              io.Writer
	enc            *crypto.Encrypter
	maxMessageSize int
	mu             sync.Mutex

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewCipherWriter creates a cipher writer over w using enc.
func NewCipherWriter(w io.Writer, enc *crypto.Encrypter) *CipherWriter {
	return &CipherWriter{
		w:              w,
		enc:            enc,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// SetMaxMessageSize updates the maximum plaintext frame size.
func (cw *CipherWriter) SetMaxMessageSize(size int) {
	cw.maxMessageSize = size
}

// SetLogger configures frame logging for this writer.
// Pass nil to disable logging.
func (cw *CipherWriter) SetLogger(logger log.Logger, connID string) {
	cw.logger = logger
	cw.connID = connID
}

// WriteFrame encrypts one plaintext frame and writes it as a single
// length-prefixed unit. Thread-safe.
func (cw *CipherWriter) WriteFrame(plaintext []byte) error {
	if len(plaintext) == 0 {
		return ErrMessageEmpty
	}
	if len(plaintext) > cw.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(plaintext), cw.maxMessageSize)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	ciphertext, err := cw.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(ciphertext) > 0xFFFF {
		return fmt.Errorf("%w: ciphertext %d", ErrMessageTooLarge, len(ciphertext))
	}

	// Prefix and ciphertext leave in one Write so concurrent owners can
	// never interleave partial frames.
	buf := make([]byte, LengthPrefixSize+len(ciphertext))
	binary.BigEndian.PutUint16(buf[:LengthPrefixSize], uint16(len(ciphertext)))
	copy(buf[LengthPrefixSize:], ciphertext)

	if _, err := cw.w.Write(buf); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}

	if cw.logger != nil {
		cw.logger.Log(makeFrameEvent(cw.connID, plaintext, len(buf), log.DirectionOut))
	}
	return nil
}

// CipherReader reads length-prefixed ciphertext frames from the socket
// and decrypts each one as a single CBC message.
type CipherReader struct {
	r              io.Reader
	dec            *crypto.Decrypter
	maxMessageSize int
	lengthBuf      [LengthPrefixSize]byte

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewCipherReader creates a cipher reader over r using dec.
func NewCipherReader(r io.Reader, dec *crypto.Decrypter) *CipherReader {
	return &CipherReader{
		r:              r,
		dec:            dec,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// SetMaxMessageSize updates the maximum plaintext frame size.
func (cr *CipherReader) SetMaxMessageSize(size int) {
	cr.maxMessageSize = size
}

// SetLogger configures frame logging for this reader.
// Pass nil to disable logging.
func (cr *CipherReader) SetLogger(logger log.Logger, connID string) {
	cr.logger = logger
	cr.connID = connID
}

// ReadFrame reads one length prefix in the clear, buffers that many
// ciphertext bytes, decrypts them and returns the plaintext frame.
func (cr *CipherReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(cr.r, cr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}

	length := int(binary.BigEndian.Uint16(cr.lengthBuf[:]))
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	// Padding can only grow the ciphertext by one block.
	if length > cr.maxMessageSize+crypto.AESBlockSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, cr.maxMessageSize)
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(cr.r, ciphertext); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("transport: read ciphertext: %w", err)
	}

	plaintext, err := cr.dec.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	if cr.logger != nil {
		cr.logger.Log(makeFrameEvent(cr.connID, plaintext, LengthPrefixSize+length, log.DirectionIn))
	}
	return plaintext, nil
}

// makeFrameEvent creates a transport-layer log event for one frame.
func makeFrameEvent(connID string, plaintext []byte, wireSize int, direction log.Direction) log.Event {
	data := plaintext
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		data = data[:MaxLogFrameDataSize]
		truncated = true
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      wireSize,
			Data:      data,
			Truncated: truncated,
		},
	}
}

// CipherSession bundles the two directions of one encrypted connection.
type CipherSession struct {
	*CipherReader
	*CipherWriter
}

// NewCipherSession builds the server-side cipher session for a
// negotiated key over rw.
func NewCipherSession(rw io.ReadWriter, key SessionKey) (*CipherSession, error) {
	enc, dec, err := key.Streams()
	if err != nil {
		return nil, err
	}
	return &CipherSession{
		CipherReader: NewCipherReader(rw, dec),
		CipherWriter: NewCipherWriter(rw, enc),
	}, nil
}

// NewDeviceCipherSession builds the device-side mirror of a session.
// Used by tests and device simulators.
func NewDeviceCipherSession(rw io.ReadWriter, key SessionKey) (*CipherSession, error) {
	enc, dec, err := key.DeviceStreams()
	if err != nil {
		return nil, err
	}
	return &CipherSession{
		CipherReader: NewCipherReader(rw, dec),
		CipherWriter: NewCipherWriter(rw, enc),
	}, nil
}

// SetLogger configures logging for both directions.
func (s *CipherSession) SetLogger(logger log.Logger, connID string) {
	s.CipherReader.SetLogger(logger, connID)
	s.CipherWriter.SetLogger(logger, connID)
}

// FrameReadWriter provides encrypted frame I/O.
// Implemented by CipherSession.
type FrameReadWriter interface {
	// ReadFrame reads and decrypts one frame.
	ReadFrame() ([]byte, error)

	// WriteFrame encrypts and writes one frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction check.
var _ FrameReadWriter = (*CipherSession)(nil)
