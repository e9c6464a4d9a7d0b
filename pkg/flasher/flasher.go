// Package flasher implements the OTA update state machine. A flasher
// takes exclusive ownership of a session, streams the firmware image
// in CRC-acknowledged chunks and releases the session when done.
package flasher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// ChunkSize is the firmware chunk payload size. The last chunk is
// zero-padded up to it.
const ChunkSize = 512

// Defaults.
const (
	DefaultMaxBinarySize = 108000
	DefaultRetries       = 3
	DefaultAckTimeout    = 10 * time.Second
)

// Status values reported through the status callback.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Flash errors.
var (
	// ErrBinaryEmpty indicates a zero-length image.
	ErrBinaryEmpty = errors.New("flasher: binary is empty")

	// ErrBinaryTooLarge indicates an image over the size cap.
	ErrBinaryTooLarge = errors.New("flasher: binary too large")

	// ErrUpdateRejected indicates the device refused UpdateBegin.
	ErrUpdateRejected = errors.New("flasher: device rejected update")

	// ErrChunkRetriesExhausted indicates a chunk whose CRC never
	// matched within the retransmit budget.
	ErrChunkRetriesExhausted = errors.New("flasher: chunk retries exhausted")
)

// State is the flash state machine position.
type State uint8

const (
	StatePreparing State = iota
	StateBeginSent
	StateReadyReceived
	StateSendingChunks
	StateAwaitingChunkAck
	StateDone
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePreparing:
		return "PREPARING"
	case StateBeginSent:
		return "BEGIN_SENT"
	case StateReadyReceived:
		return "READY_RECEIVED"
	case StateSendingChunks:
		return "SENDING_CHUNKS"
	case StateAwaitingChunkAck:
		return "AWAITING_CHUNK_ACK"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Port is the slice of the session the flasher drives: exclusive
// ownership plus owned request/reply exchanges.
type Port interface {
	// TakeOwnership grants exclusive write access, or fails if another
	// owner holds it.
	TakeOwnership(owner any) error

	// ReleaseOwnership returns the session to normal operation.
	ReleaseOwnership(owner any)

	// Exchange sends one owned request and waits for the token-matched
	// reply.
	Exchange(owner any, kind wire.Kind, payload []byte, timeout time.Duration) (*wire.Message, error)
}

// Option customizes a Flasher.
type Option func(*Flasher)

// WithRetries sets the per-chunk retransmit budget.
func WithRetries(n int) Option {
	return func(f *Flasher) {
		if n > 0 {
			f.retries = n
		}
	}
}

// WithMaxBinarySize sets the image size cap.
func WithMaxBinarySize(n int) Option {
	return func(f *Flasher) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// WithAckTimeout sets how long each exchange may take.
func WithAckTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.ackTimeout = d
		}
	}
}

// WithStatus sets the status callback (started, success, failed).
func WithStatus(fn func(status string)) Option {
	return func(f *Flasher) { f.status = fn }
}

// WithLogger sets the application logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flasher) { f.logger = logger }
}

// Flasher streams one firmware image to one device.
type Flasher struct {
	port       Port
	size       int
	chunks     [][]byte
	retries    int
	maxSize    int
	ackTimeout time.Duration
	status     func(string)
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// New validates the image and prepares the chunk plan.
func New(port Port, binary []byte, opts ...Option) (*Flasher, error) {
	f := &Flasher{
		port:       port,
		size:       len(binary),
		retries:    DefaultRetries,
		maxSize:    DefaultMaxBinarySize,
		ackTimeout: DefaultAckTimeout,
		logger:     slog.Default(),
		state:      StatePreparing,
	}
	for _, opt := range opts {
		opt(f)
	}

	if len(binary) == 0 {
		return nil, ErrBinaryEmpty
	}
	if len(binary) > f.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBinaryTooLarge, len(binary), f.maxSize)
	}
	f.chunks = splitChunks(binary)
	return f, nil
}

// splitChunks cuts the image into ChunkSize pieces, zero-padding the
// last one to the boundary.
func splitChunks(binary []byte) [][]byte {
	count := (len(binary) + ChunkSize - 1) / ChunkSize
	chunks := make([][]byte, 0, count)
	for off := 0; off < len(binary); off += ChunkSize {
		end := off + ChunkSize
		if end > len(binary) {
			chunk := make([]byte, ChunkSize)
			copy(chunk, binary[off:])
			chunks = append(chunks, chunk)
			break
		}
		chunks = append(chunks, binary[off:end])
	}
	return chunks
}

// State returns the current machine position.
func (f *Flasher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ChunkCount returns how many chunks the image splits into.
func (f *Flasher) ChunkCount() int { return len(f.chunks) }

func (f *Flasher) setState(state State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *Flasher) report(status string) {
	if f.status != nil {
		f.status(status)
	}
}

// Run takes ownership, streams the image and releases ownership. It
// blocks until the update succeeds or fails.
func (f *Flasher) Run() error {
	if err := f.port.TakeOwnership(f); err != nil {
		return err
	}
	defer f.port.ReleaseOwnership(f)

	f.report(StatusStarted)
	f.logger.Info("flash started", "size", f.size, "chunks", len(f.chunks))

	if err := f.stream(); err != nil {
		f.setState(StateFailed)
		f.report(StatusFailed)
		f.logger.Warn("flash failed", "error", err)
		return err
	}

	f.setState(StateDone)
	f.report(StatusSuccess)
	f.logger.Info("flash complete")
	return nil
}

func (f *Flasher) stream() error {
	f.setState(StateBeginSent)
	resp, err := f.port.Exchange(f, wire.KindUpdateBegin, nil, f.ackTimeout)
	if err != nil {
		return fmt.Errorf("flasher: update begin: %w", err)
	}
	if resp.Code != wire.CodeChanged {
		return fmt.Errorf("%w: %s", ErrUpdateRejected, resp.Code)
	}
	f.setState(StateReadyReceived)

	f.setState(StateSendingChunks)
	for i, chunk := range f.chunks {
		if err := f.sendChunk(i, chunk); err != nil {
			return err
		}
	}

	if _, err := f.port.Exchange(f, wire.KindUpdateDone, nil, f.ackTimeout); err != nil {
		return fmt.Errorf("flasher: update done: %w", err)
	}
	return nil
}

// sendChunk transmits one chunk until the device's CRC receipt matches
// or the retransmit budget runs out.
func (f *Flasher) sendChunk(index int, chunk []byte) error {
	want := crypto.CRC32(chunk)

	// One initial transmission plus up to retries retransmits.
	for attempt := 0; attempt <= f.retries; attempt++ {
		f.setState(StateAwaitingChunkAck)
		resp, err := f.port.Exchange(f, wire.KindChunk, chunk, f.ackTimeout)
		if err != nil {
			return fmt.Errorf("flasher: chunk %d: %w", index, err)
		}
		got, ok := crypto.DecodeCRC32(resp.Payload)
		if ok && got == want {
			f.setState(StateSendingChunks)
			return nil
		}
		f.logger.Warn("chunk crc mismatch, retransmitting",
			"chunk", index, "attempt", attempt+1)
	}
	return fmt.Errorf("%w: chunk %d after %d retries", ErrChunkRetriesExhausted, index, f.retries)
}
