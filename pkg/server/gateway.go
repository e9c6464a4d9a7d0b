// Package server ties the gateway together: it accepts device TCP
// connections, runs the handshake under a deadline, promotes each
// authenticated connection into a session and keeps the live session
// index. One gateway serves many devices; one device has at most one
// live session.
package server

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/corelink-protocol/corelink-go/pkg/api"
	"github.com/corelink-protocol/corelink-go/pkg/config"
	"github.com/corelink-protocol/corelink-go/pkg/handshake"
	"github.com/corelink-protocol/corelink-go/pkg/log"
	"github.com/corelink-protocol/corelink-go/pkg/session"
	"github.com/corelink-protocol/corelink-go/pkg/store"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Params collects the gateway's collaborators.
type Params struct {
	Config config.Config

	// Key is the gateway RSA private key devices encrypt to.
	Key *rsa.PrivateKey

	// Keys resolves device public keys during the handshake.
	Keys handshake.DeviceKeyStore

	Attributes store.AttributeStore
	Firmware   store.FirmwareStore
	Bus        session.Bus
	API        api.Client

	// Logger receives protocol events; nil disables them.
	Logger log.Logger

	// Slog receives application logging; nil uses slog.Default.
	Slog *slog.Logger
}

// Gateway accepts device connections and owns the session index.
type Gateway struct {
	cfg       config.Config
	priv      *rsa.PrivateKey
	keys      handshake.DeviceKeyStore
	attrs     store.AttributeStore
	firmware  store.FirmwareStore
	bus       session.Bus
	apiClient api.Client
	logger    log.Logger
	slog      *slog.Logger

	listener   net.Listener
	pending    *connTracker
	advertiser *Advertiser

	sessionsMu sync.RWMutex
	sessions   map[wire.DeviceID]*session.Session

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a gateway. Start begins accepting connections.
func New(p Params) (*Gateway, error) {
	if p.Key == nil {
		return nil, fmt.Errorf("server: private key is required")
	}
	if p.Keys == nil {
		return nil, fmt.Errorf("server: device key store is required")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if p.Slog == nil {
		p.Slog = slog.Default()
	}
	if p.API == nil {
		p.API = api.Nop{}
	}
	return &Gateway{
		cfg:        p.Config,
		priv:       p.Key,
		keys:       p.Keys,
		attrs:      p.Attributes,
		firmware:   p.Firmware,
		bus:        p.Bus,
		apiClient:  p.API,
		logger:     p.Logger,
		slog:       p.Slog,
		pending:    newConnTracker(),
		advertiser: NewAdvertiser(),
		sessions:   make(map[wire.DeviceID]*session.Session),
	}, nil
}

// Start listens on the configured address and begins accepting
// connections. It returns once the listener is up.
func (g *Gateway) Start(ctx context.Context) error {
	if g.running.Load() {
		return fmt.Errorf("server: already running")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", g.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	g.listener = listener
	g.running.Store(true)

	if g.cfg.EnableMDNS {
		if err := g.startAdvertising(); err != nil {
			// Discovery is best effort; devices with a configured
			// address connect regardless.
			g.slog.Warn("mdns advertising failed", "error", err)
		}
	}

	g.wg.Add(2)
	go g.acceptLoop()
	go g.reapLoop()

	g.slog.Info("gateway listening", "address", listener.Addr().String())
	return nil
}

// Stop closes the listener, all pending connections and all sessions,
// then waits for every goroutine to finish.
func (g *Gateway) Stop() error {
	if !g.running.Load() {
		return nil
	}
	g.running.Store(false)
	g.cancel()

	g.advertiser.Stop()
	if g.listener != nil {
		_ = g.listener.Close()
	}
	g.pending.CloseAll()

	g.sessionsMu.Lock()
	open := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.sessionsMu.Unlock()
	for _, s := range open {
		_ = s.Close()
	}

	g.wg.Wait()
	g.slog.Info("gateway stopped")
	return nil
}

// Addr returns the listen address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	if g.listener != nil {
		return g.listener.Addr()
	}
	return nil
}

// Session returns the live session for a device, if any.
func (g *Gateway) Session(id wire.DeviceID) (*session.Session, bool) {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (g *Gateway) Sessions() []*session.Session {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	out := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	return len(g.sessions)
}

// PendingCount returns the number of connections still in handshake.
func (g *Gateway) PendingCount() int {
	return g.pending.Len()
}

// startAdvertising registers the gateway's mDNS service using the
// actual bound port.
func (g *Gateway) startAdvertising() error {
	addr, ok := g.listener.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("server: not a TCP listener")
	}
	host, _ := hostName()
	instance := "corelink-" + host
	txt := []string{"env=" + g.cfg.Environment}
	return g.advertiser.Start(instance, addr.Port, txt)
}

func hostName() (string, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gateway", err
	}
	// Instance names must not contain dots.
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host, nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (g *Gateway) acceptLoop() {
	defer g.wg.Done()

	for g.running.Load() {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.running.Load() {
				g.slog.Warn("accept failed", "error", err)
			}
			continue
		}
		g.wg.Add(1)
		go g.handleConnection(conn)
	}
}

// reapLoop force-closes connections stuck in handshake. The per-socket
// deadline covers a slow peer; the reaper covers everything else.
func (g *Gateway) reapLoop() {
	defer g.wg.Done()

	interval := g.cfg.HandshakeTimeout
	if interval <= 0 {
		interval = config.DefaultHandshakeTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if n := g.pending.CloseStale(2 * interval); n > 0 {
				g.slog.Info("reaped stale connections", "count", n)
			}
		}
	}
}

// handleConnection runs the handshake and, on success, the session. It
// returns when the session disconnects.
func (g *Gateway) handleConnection(conn net.Conn) {
	defer g.wg.Done()

	connID := uuid.New().String()
	remote := conn.RemoteAddr().String()
	g.logConnState(connID, remote, "", "CONNECTED")

	g.pending.Add(conn)
	_ = conn.SetDeadline(time.Now().Add(g.cfg.HandshakeTimeout))

	hs := &handshake.Server{
		Priv:   g.priv,
		Keys:   g.keys,
		Logger: g.logger,
		ConnID: connID,
	}
	result, err := hs.Do(conn)
	if err != nil {
		g.pending.Remove(conn)
		_ = conn.Close()
		g.slog.Warn("handshake failed", "remote", remote, "error", err)
		g.logConnState(connID, remote, "CONNECTED", "REJECTED")
		return
	}
	g.pending.Remove(conn)
	_ = conn.SetDeadline(time.Time{})

	userID := ""
	if g.attrs != nil {
		if attrs, ok, err := g.attrs.GetCoreAttributes(result.DeviceID); err == nil && ok {
			userID = attrs.OwnerID
		}
	}

	sess := session.New(session.Params{
		DeviceID: result.DeviceID,
		Hello:    result.Hello,
		Conn:     conn,
		Cipher:   result.Cipher,
		SendSeed: result.SendSeed,
		RecvSeed: result.HelloID,
		UserID:   userID,
		Config: session.Config{
			CounterMax:    g.cfg.CounterMax,
			KeepAlive:     g.cfg.KeepAlive,
			SocketTimeout: g.cfg.SocketTimeout,
			MaxBinarySize: g.cfg.MaxBinarySize,
			ChunkRetries:  g.cfg.ChunkRetries,
			Environment:   g.cfg.Environment,
		},
		Bus:          g.bus,
		Attributes:   g.attrs,
		Firmware:     g.firmware,
		API:          g.apiClient,
		Logger:       g.logger,
		Slog:         g.slog,
		ConnID:       connID,
		OnDisconnect: g.removeSession,
	})

	g.register(sess)
	g.slog.Info("device connected",
		"device", result.DeviceID.String(), "remote", remote)

	_ = sess.Run()
	g.logConnState(connID, remote, "CONNECTED", "DISCONNECTED")
}

// register indexes a session by device id. A reconnecting device
// replaces its old session; the stale one is closed after the new one
// is indexed so its disconnect callback cannot evict the replacement.
func (g *Gateway) register(sess *session.Session) {
	id := sess.DeviceID()

	g.sessionsMu.Lock()
	old := g.sessions[id]
	g.sessions[id] = sess
	g.sessionsMu.Unlock()

	if old != nil && old != sess {
		g.slog.Info("replacing stale session", "device", id.String())
		_ = old.Close()
	}
}

// removeSession drops a session from the index, but only if it is still
// the indexed one.
func (g *Gateway) removeSession(sess *session.Session) {
	id := sess.DeviceID()

	g.sessionsMu.Lock()
	if g.sessions[id] == sess {
		delete(g.sessions, id)
	}
	g.sessionsMu.Unlock()
}

// logConnState emits a transport-layer connection state event.
func (g *Gateway) logConnState(connID, remote, oldState, newState string) {
	if g.logger == nil {
		return
	}
	g.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   remote,
		StateChange: &log.StateChangeEvent{
			OldState: oldState,
			NewState: newState,
		},
	})
}
