package flasher

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// fakePort simulates the device side of an OTA exchange.
type fakePort struct {
	mu          sync.Mutex
	owner       any
	released    bool
	rejectBegin bool

	// badAcks[i] is how many mismatched CRC receipts to send for the
	// i-th accepted chunk before acking correctly.
	badAcks map[int]int

	accepted      [][]byte // distinct chunks, in order
	transmissions int      // every chunk frame, including retransmits
	doneReceived  bool
}

func (p *fakePort) TakeOwnership(owner any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner != nil {
		return errors.New("locked")
	}
	p.owner = owner
	return nil
}

func (p *fakePort) ReleaseOwnership(owner any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == owner {
		p.owner = nil
		p.released = true
	}
}

func (p *fakePort) Exchange(owner any, kind wire.Kind, payload []byte, _ time.Duration) (*wire.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner != p.owner {
		return nil, errors.New("not the owner")
	}

	switch kind {
	case wire.KindUpdateBegin:
		if p.rejectBegin {
			return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeBadRequest}, nil
		}
		return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeChanged}, nil

	case wire.KindChunk:
		p.transmissions++
		index := len(p.accepted)
		if p.badAcks[index] > 0 {
			p.badAcks[index]--
			wrong := crypto.CRC32(payload) + 1
			return &wire.Message{
				Type:    wire.Acknowledgement,
				Code:    wire.CodeChanged,
				Payload: crypto.EncodeCRC32(wrong),
			}, nil
		}
		p.accepted = append(p.accepted, append([]byte(nil), payload...))
		return &wire.Message{
			Type:    wire.Acknowledgement,
			Code:    wire.CodeChanged,
			Payload: crypto.EncodeCRC32(crypto.CRC32(payload)),
		}, nil

	case wire.KindUpdateDone:
		p.doneReceived = true
		return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeChanged}, nil

	default:
		return nil, errors.New("unexpected kind")
	}
}

func testBinary(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestChunkPlan(t *testing.T) {
	binary := testBinary(1500)
	chunks := splitChunks(binary)

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Len(t, c, ChunkSize)
	}

	joined := bytes.Join(chunks, nil)
	assert.Equal(t, binary, joined[:len(binary)])
	// Padding is zeros.
	for _, b := range joined[len(binary):] {
		assert.Zero(t, b)
	}
}

func TestChunkPlanExactMultiple(t *testing.T) {
	chunks := splitChunks(testBinary(1024))
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[1], ChunkSize)
}

func TestFlashSuccess(t *testing.T) {
	binary := testBinary(1500)
	port := &fakePort{}

	var statuses []string
	f, err := New(port, binary, WithStatus(func(s string) { statuses = append(statuses, s) }))
	require.NoError(t, err)
	assert.Equal(t, 3, f.ChunkCount())

	require.NoError(t, f.Run())
	assert.Equal(t, StateDone, f.State())
	assert.Equal(t, []string{StatusStarted, StatusSuccess}, statuses)

	assert.True(t, port.released)
	assert.True(t, port.doneReceived)
	require.Len(t, port.accepted, 3)
	joined := bytes.Join(port.accepted, nil)
	assert.Equal(t, binary, joined[:len(binary)])
}

func TestFlashRetransmitsOnBadCRC(t *testing.T) {
	binary := testBinary(1500)
	// First receipt for the second chunk carries a wrong CRC.
	port := &fakePort{badAcks: map[int]int{1: 1}}

	f, err := New(port, binary)
	require.NoError(t, err)
	require.NoError(t, f.Run())

	assert.Equal(t, 4, port.transmissions) // 3 chunks + 1 retransmit
	require.Len(t, port.accepted, 3)
	assert.True(t, port.doneReceived)
}

func TestFlashFailsAfterRetriesExhausted(t *testing.T) {
	binary := testBinary(600)
	// The second chunk never acks correctly.
	port := &fakePort{badAcks: map[int]int{1: 100}}

	var statuses []string
	f, err := New(port, binary,
		WithRetries(3),
		WithStatus(func(s string) { statuses = append(statuses, s) }))
	require.NoError(t, err)

	err = f.Run()
	assert.ErrorIs(t, err, ErrChunkRetriesExhausted)
	assert.Equal(t, StateFailed, f.State())
	assert.Equal(t, []string{StatusStarted, StatusFailed}, statuses)
	assert.True(t, port.released)
	assert.False(t, port.doneReceived)
	// 1 accepted chunk + (1 + 3 retries) for the bad one.
	assert.Equal(t, 5, port.transmissions)
}

func TestFlashRejectedBegin(t *testing.T) {
	port := &fakePort{rejectBegin: true}
	f, err := New(port, testBinary(100))
	require.NoError(t, err)

	err = f.Run()
	assert.ErrorIs(t, err, ErrUpdateRejected)
	assert.True(t, port.released)
}

func TestValidation(t *testing.T) {
	port := &fakePort{}

	_, err := New(port, nil)
	assert.ErrorIs(t, err, ErrBinaryEmpty)

	_, err = New(port, testBinary(200), WithMaxBinarySize(100))
	assert.ErrorIs(t, err, ErrBinaryTooLarge)
}

func TestOwnershipConflict(t *testing.T) {
	port := &fakePort{}
	port.owner = "someone else"

	var statuses []string
	f, err := New(port, testBinary(100),
		WithStatus(func(s string) { statuses = append(statuses, s) }))
	require.NoError(t, err)

	assert.Error(t, f.Run())
	// No status is reported when ownership was never acquired.
	assert.Empty(t, statuses)
}
