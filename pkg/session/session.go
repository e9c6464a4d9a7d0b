// Package session implements the per-device protocol machine that owns
// one encrypted connection after the handshake: counter and token
// bookkeeping, inbound routing, the API command surface, device events
// and subscriptions, keepalive and teardown.
//
// A session is effectively single-threaded with respect to its own
// state: the read pump routes every inbound frame, and all state
// mutation happens under one mutex. API commands block their caller
// until the matching reply arrives or a timeout fires.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/api"
	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/log"
	"github.com/corelink-protocol/corelink-go/pkg/store"
	"github.com/corelink-protocol/corelink-go/pkg/transport"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateReady accepts API commands and routes device traffic.
	StateReady State = iota

	// StateOwnedByFlasher rejects every API command except Ping while
	// an OTA flash is running.
	StateOwnedByFlasher

	// StateDisconnected is terminal.
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateOwnedByFlasher:
		return "OWNED_BY_FLASHER"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Timeouts.
const (
	// DefaultExchangeTimeout bounds one request/reply round trip.
	DefaultExchangeTimeout = 10 * time.Second

	// RaiseHandTimeout is the longer wait RaiseHand allows, matching
	// how long a device may take to interrupt its application loop.
	RaiseHandTimeout = 30 * time.Second
)

// Bus is the event fan-in/fan-out surface the session uses.
// *eventbus.Broker implements it.
type Bus interface {
	// Publish offers one event; false means rate-limited.
	Publish(event eventbus.Event) bool

	// Subscribe registers for events by name prefix.
	Subscribe(prefix string, opts ...eventbus.SubscribeOption) *eventbus.Subscription
}

// Config holds the session tunables.
type Config struct {
	// CounterMax is the wrap point for both 16-bit counters.
	CounterMax int

	// KeepAlive is the idle interval before the session pings.
	KeepAlive time.Duration

	// SocketTimeout disconnects a session silent this long.
	SocketTimeout time.Duration

	// ExchangeTimeout bounds one request/reply round trip.
	ExchangeTimeout time.Duration

	// MaxBinarySize is the flasher's binary size cap.
	MaxBinarySize int

	// ChunkRetries is the flasher's per-chunk retransmit budget.
	ChunkRetries int

	// Environment selects known-firmware images (<app>_<env>.bin).
	Environment string
}

func (c *Config) withDefaults() {
	if c.CounterMax <= 0 {
		c.CounterMax = 65536
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 31 * time.Second
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.MaxBinarySize <= 0 {
		c.MaxBinarySize = 108000
	}
	if c.ChunkRetries <= 0 {
		c.ChunkRetries = 3
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
}

// Params collects everything a new session needs.
type Params struct {
	DeviceID wire.DeviceID
	Hello    wire.HelloPayload

	// Conn is the raw socket, used for deadlines and close. May be nil
	// in tests driving the cipher directly.
	Conn net.Conn

	// Cipher is the established frame transport.
	Cipher transport.FrameReadWriter

	// SendSeed is the message id of the server Hello; the send counter
	// continues from it.
	SendSeed uint16

	// RecvSeed is the message id of the device Hello; the receive
	// counter continues from it.
	RecvSeed uint16

	// UserID is the owner account, empty while unclaimed.
	UserID string

	Config Config

	Bus        Bus
	Attributes store.AttributeStore
	Firmware   store.FirmwareStore
	API        api.Client

	// Logger receives protocol events; nil disables them.
	Logger log.Logger

	// Slog receives application logging; nil uses slog.Default.
	Slog *slog.Logger

	// ConnID tags protocol log events.
	ConnID string

	// OnDisconnect fires exactly once when the session tears down.
	OnDisconnect func(*Session)
}

// Session is the per-device protocol machine.
type Session struct {
	deviceID wire.DeviceID
	connID   string
	userID   string

	conn   net.Conn
	cipher transport.FrameReadWriter
	cfg    Config

	bus      Bus
	attrs    store.AttributeStore
	firmware store.FirmwareStore
	api      api.Client

	logger log.Logger
	slog   *slog.Logger

	onDisconnect func(*Session)

	mu            sync.Mutex
	state         State
	hello         wire.HelloPayload
	sendCounter   uint16
	recvCounter   uint16
	sendToken     uint8
	listeners     map[byte]chan *wire.Message
	owner         any
	introspection *DeviceDescription
	rawDescribe   []byte
	subs          []*eventbus.Subscription
	started       time.Time
	lastHeard     time.Time
	lastPing      time.Time

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a session in READY state. Call Run to start the pump.
func New(p Params) *Session {
	p.Config.withDefaults()
	if p.Slog == nil {
		p.Slog = slog.Default()
	}
	if p.API == nil {
		p.API = api.Nop{}
	}
	now := time.Now()
	return &Session{
		deviceID:     p.DeviceID,
		connID:       p.ConnID,
		userID:       p.UserID,
		conn:         p.Conn,
		cipher:       p.Cipher,
		cfg:          p.Config,
		bus:          p.Bus,
		attrs:        p.Attributes,
		firmware:     p.Firmware,
		api:          p.API,
		logger:       p.Logger,
		slog:         p.Slog.With("device", p.DeviceID.String()),
		onDisconnect: p.OnDisconnect,
		state:        StateReady,
		hello:        p.Hello,
		sendCounter:  p.SendSeed,
		recvCounter:  p.RecvSeed,
		listeners:    make(map[byte]chan *wire.Message),
		started:      now,
		lastHeard:    now,
		done:         make(chan struct{}),
	}
}

// DeviceID returns the device identifier.
func (s *Session) DeviceID() wire.DeviceID { return s.deviceID }

// Hello returns the identity fields from the device's Hello.
func (s *Session) Hello() wire.HelloPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hello
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the owner account id, empty while unclaimed.
func (s *Session) UserID() string { return s.userID }

// StartedAt returns when the session entered READY.
func (s *Session) StartedAt() time.Time { return s.started }

// Done returns a channel closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the read pump until the session disconnects. It records
// the device's identity attributes, starts the keepalive loop and
// blocks; the caller usually runs it on its own goroutine.
func (s *Session) Run() error {
	s.recordIdentity()
	go s.keepaliveLoop()

	for {
		if s.conn != nil {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		}
		frame, err := s.cipher.ReadFrame()
		if err != nil {
			s.disconnect(fmt.Errorf("read: %w", err))
			return s.closeErr
		}
		msg, err := wire.Unmarshal(frame)
		if err != nil {
			s.disconnect(fmt.Errorf("%w: %v", ErrProtocol, err))
			return s.closeErr
		}
		s.touch()
		s.logMessage(msg, log.DirectionIn, "")

		if msg.IsAck() {
			s.handleAck(msg)
			continue
		}
		if msg.IsEmpty() && msg.Type == wire.Confirmable {
			// Keepalive ping: echo the id back, no counter involvement.
			s.markPing()
			s.reply(wire.NewAck(msg.ID), "PingAck")
			continue
		}

		kind := wire.RouteRequest(msg)
		if !s.advanceRecvCounter(msg.ID) {
			if kind == wire.KindIgnored {
				// An unroutable frame with a wrong counter means the
				// streams are desynchronized. Never ignore an ignore.
				s.disconnect(fmt.Errorf("%w: unroutable frame id %d", ErrProtocol, msg.ID))
			} else {
				s.disconnect(fmt.Errorf("%w: %s id %d", ErrBadCounter, kind, msg.ID))
			}
			return s.closeErr
		}
		s.dispatch(kind, msg)
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.disconnect(nil)
	return nil
}

// recordIdentity persists the Hello identity fields and connection info.
func (s *Session) recordIdentity() {
	if s.attrs == nil {
		return
	}
	hello := s.Hello()
	remote := ""
	if s.conn != nil && s.conn.RemoteAddr() != nil {
		remote = s.conn.RemoteAddr().String()
	}
	err := s.attrs.SetCoreAttributes(s.deviceID, func(a *store.CoreAttributes) {
		a.ProductID = hello.ProductID
		a.FirmwareVersion = hello.FirmwareVersion
		a.PlatformID = hello.PlatformID
		a.LastHeard = time.Now()
		if remote != "" {
			a.LastIP = remote
		}
	})
	if err != nil {
		s.slog.Warn("failed to record device attributes", "error", err)
	}
}

// touch records inbound activity.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastHeard = time.Now()
	s.mu.Unlock()
}

func (s *Session) markPing() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

// advanceRecvCounter accepts id only when it equals the post-increment
// expected counter, and advances on success.
func (s *Session) advanceRecvCounter(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expected := uint16((int(s.recvCounter) + 1) % s.cfg.CounterMax)
	if id != expected {
		return false
	}
	s.recvCounter = expected
	return true
}

// handleAck resolves an acknowledgement against the token table. An
// ack with no matching token is treated as a PingAck.
func (s *Session) handleAck(msg *wire.Message) {
	if len(msg.Token) > 0 {
		tok := msg.Token[0]
		s.mu.Lock()
		ch, ok := s.listeners[tok]
		if ok {
			delete(s.listeners, tok)
		}
		s.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}
	s.markPing()
}

// dispatch routes a counter-accepted request by kind.
func (s *Session) dispatch(kind wire.Kind, msg *wire.Message) {
	switch kind {
	case wire.KindHello:
		// A device re-announcing itself mid-session; refresh identity
		// and acknowledge.
		s.mu.Lock()
		s.hello = wire.DecodeHelloPayload(msg.Payload)
		s.mu.Unlock()
		s.reply(wire.NewAck(msg.ID), "HelloAck")

	case wire.KindEvent, wire.KindPublicEvent, wire.KindPrivateEvent:
		s.handleEvent(kind, msg)

	case wire.KindSubscribe:
		s.handleSubscribe(msg)

	case wire.KindGetTime:
		s.handleGetTime(msg)

	default:
		// Nothing the gateway serves; acknowledge confirmables so the
		// device does not retransmit.
		if msg.Type == wire.Confirmable {
			s.reply(wire.NewAck(msg.ID), "Ignored")
		}
	}
}

// keepaliveLoop pings an idle device and disconnects a silent one.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastHeard)
			s.mu.Unlock()

			if idle > s.cfg.SocketTimeout {
				s.disconnect(fmt.Errorf("%w: idle %s", ErrTimeout, idle.Round(time.Second)))
				return
			}
			if idle >= s.cfg.KeepAlive {
				s.sendPing()
			}
		}
	}
}

// sendPing writes an empty confirmable frame. Empty messages do not
// advance the send counter; the ack is matched by liveness only.
func (s *Session) sendPing() {
	s.mu.Lock()
	msg := wire.NewPing(s.sendCounter)
	s.mu.Unlock()
	if err := s.writeMessage(msg, "Ping"); err != nil {
		s.disconnect(fmt.Errorf("ping: %w", err))
	}
}

// nextToken returns the next free token value (post-increment). Values
// still awaiting a reply are skipped.
func (s *Session) nextToken() (byte, error) {
	for i := 0; i < 256; i++ {
		s.sendToken++
		if _, busy := s.listeners[s.sendToken]; !busy {
			return s.sendToken, nil
		}
	}
	return 0, ErrTokensExhausted
}

// request builds, sends and registers a correlated request. Caller
// must NOT hold s.mu. Returns the listener channel for the reply.
func (s *Session) request(owner any, kind wire.Kind, uri, query string, payload []byte) (chan *wire.Message, byte, error) {
	typ, code, _, tokenUse, ok := wire.Spec(kind)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown kind", ErrProtocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return nil, 0, ErrSessionClosed
	}
	if s.owner != nil && owner != s.owner {
		return nil, 0, ErrLocked
	}

	msg := &wire.Message{Type: typ, Code: code}
	if uri != "" {
		msg.SetUriPath(uri)
	}
	if query != "" {
		msg.SetUriQuery(query)
	}
	msg.Payload = payload

	var ch chan *wire.Message
	var tok byte
	if tokenUse == wire.TokenRequired {
		t, err := s.nextToken()
		if err != nil {
			return nil, 0, err
		}
		tok = t
		msg.Token = []byte{tok}
		ch = make(chan *wire.Message, 1)
		s.listeners[tok] = ch
	}

	// Counter assignment, encryption and write form one step under the
	// session mutex so frames leave in counter order.
	s.sendCounter = uint16((int(s.sendCounter) + 1) % s.cfg.CounterMax)
	msg.ID = s.sendCounter

	if err := s.writeMessageLocked(msg, kind.String()); err != nil {
		if ch != nil {
			delete(s.listeners, tok)
		}
		return nil, 0, err
	}
	return ch, tok, nil
}

// await blocks for the reply on ch, releasing the token on timeout or
// disconnect.
func (s *Session) await(ch chan *wire.Message, tok byte, timeout time.Duration) (*wire.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.listeners, tok)
		s.mu.Unlock()
		// The reply may have raced the timer.
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}
		return nil, ErrTimeout
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// exchange sends a correlated request and waits for the matching reply.
func (s *Session) exchange(owner any, kind wire.Kind, uri, query string, payload []byte, timeout time.Duration) (*wire.Message, error) {
	ch, tok, err := s.request(owner, kind, uri, query, payload)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}
	return s.await(ch, tok, timeout)
}

// reply writes a response frame from the read pump. Replies echo the
// request id and bypass the ownership check; they are the session's
// own protocol duties, not API traffic.
func (s *Session) reply(msg *wire.Message, kindName string) {
	if err := s.writeMessage(msg, kindName); err != nil {
		s.disconnect(fmt.Errorf("reply %s: %w", kindName, err))
	}
}

func (s *Session) writeMessage(msg *wire.Message, kindName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMessageLocked(msg, kindName)
}

// writeMessageLocked marshals and writes one frame. Caller holds s.mu.
func (s *Session) writeMessageLocked(msg *wire.Message, kindName string) error {
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	frame, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrProtocol, err)
	}
	if err := s.cipher.WriteFrame(frame); err != nil {
		return err
	}
	s.logMessage(msg, log.DirectionOut, kindName)
	return nil
}

// logMessage emits a wire-layer protocol event.
func (s *Session) logMessage(msg *wire.Message, dir log.Direction, kindName string) {
	if s.logger == nil {
		return
	}
	if kindName == "" {
		if msg.IsAck() {
			kindName = "Ack"
		} else {
			kindName = wire.RouteRequest(msg).String()
		}
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		DeviceID:     s.deviceID.String(),
		Message: &log.MessageEvent{
			Kind:        kindName,
			MessageID:   msg.ID,
			Token:       msg.Token,
			URI:         msg.UriPath(),
			PayloadSize: len(msg.Payload),
		},
	})
}

func (s *Session) logState(old, new State, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		DeviceID:     s.deviceID.String(),
		StateChange: &log.StateChangeEvent{
			OldState: old.String(),
			NewState: new.String(),
			Reason:   reason,
		},
	})
}

// TakeOwnership grants owner exclusive write access; every API command
// except Ping fails with ErrLocked until released.
func (s *Session) TakeOwnership(owner any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	if s.owner != nil {
		return ErrLocked
	}
	s.owner = owner
	old := s.state
	s.state = StateOwnedByFlasher
	s.logState(old, s.state, "flash started")
	return nil
}

// ReleaseOwnership returns the session to READY. A no-op when owner is
// not the current owner.
func (s *Session) ReleaseOwnership(owner any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.owner = nil
	if s.state == StateOwnedByFlasher {
		s.state = StateReady
		s.logState(StateOwnedByFlasher, StateReady, "flash finished")
	}
}

// Exchange sends one owned request and waits for its token-matched
// reply. This is the surface the flasher drives the session through.
func (s *Session) Exchange(owner any, kind wire.Kind, payload []byte, timeout time.Duration) (*wire.Message, error) {
	_, _, uri, _, ok := wire.Spec(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind", ErrProtocol)
	}
	if timeout <= 0 {
		timeout = s.cfg.ExchangeTimeout
	}
	return s.exchange(owner, kind, uri, "", payload, timeout)
}

// disconnect tears everything down exactly once: terminal state, owner
// cleared, subscriptions cancelled, socket closed, one disconnect
// signal to the server.
func (s *Session) disconnect(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		old := s.state
		s.state = StateDisconnected
		s.owner = nil
		s.listeners = make(map[byte]chan *wire.Message)
		subs := s.subs
		s.subs = nil
		s.closeErr = reason
		s.mu.Unlock()

		// Pending awaits unblock via done.
		close(s.done)
		for _, sub := range subs {
			sub.Cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}

		reasonText := "closed"
		if reason != nil && !errors.Is(reason, net.ErrClosed) {
			reasonText = reason.Error()
			s.slog.Info("device disconnected", "reason", reasonText)
		} else {
			s.slog.Info("device disconnected")
		}
		s.logState(old, StateDisconnected, reasonText)

		if s.onDisconnect != nil {
			s.onDisconnect(s)
		}
	})
}
