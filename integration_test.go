package corelink_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelink-protocol/corelink-go/pkg/config"
	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/handshake"
	"github.com/corelink-protocol/corelink-go/pkg/server"
	"github.com/corelink-protocol/corelink-go/pkg/store"
	"github.com/corelink-protocol/corelink-go/pkg/transport"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// These tests run the whole stack over a real TCP socket: handshake,
// cipher session, request/response commands and event routing between a
// gateway and a simulated device.

const describeJSON = `{"v":{"temperature":"int32"},"f":{"led":["string","string"]}}`

type gatewayEnv struct {
	gateway   *server.Gateway
	addr      string
	serverKey *rsa.PrivateKey
	deviceKey *rsa.PrivateKey
	deviceID  wire.DeviceID
	bus       *eventbus.Broker
}

func startGateway(t *testing.T) *gatewayEnv {
	t.Helper()

	serverKey, err := rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
	require.NoError(t, err)
	deviceKey, err := rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
	require.NoError(t, err)
	deviceID, err := wire.ParseDeviceID("53ff6f065067544840551187")
	require.NoError(t, err)

	keys := store.NewMemoryKeyStore()
	keys.Register(deviceID, &deviceKey.PublicKey)

	cfg := config.Default()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.HandshakeTimeout = 5 * time.Second

	bus := eventbus.NewBroker()
	gw, err := server.New(server.Params{
		Config:     cfg,
		Key:        serverKey,
		Keys:       keys,
		Attributes: store.NewMemoryAttributeStore(),
		Bus:        bus,
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop() })

	return &gatewayEnv{
		gateway:   gw,
		addr:      gw.Addr().String(),
		serverKey: serverKey,
		deviceKey: deviceKey,
		deviceID:  deviceID,
		bus:       bus,
	}
}

// simDevice is a scripted device: it answers gateway requests the way
// the embedded firmware would and records the events pushed to it.
type simDevice struct {
	t      *testing.T
	conn   net.Conn
	cipher *transport.CipherSession

	writeMu sync.Mutex
	counter uint16

	events chan *wire.Message
}

func connectDevice(t *testing.T, env *gatewayEnv) *simDevice {
	t.Helper()

	conn, err := net.Dial("tcp", env.addr)
	require.NoError(t, err)

	dev := &handshake.Device{
		Priv:      env.deviceKey,
		ServerPub: &env.serverKey.PublicKey,
		ID:        env.deviceID,
		Hello:     wire.HelloPayload{ProductID: 6, FirmwareVersion: 42, PlatformID: 10},
	}
	result, err := dev.Do(conn)
	require.NoError(t, err)

	d := &simDevice{
		t:       t,
		conn:    conn,
		cipher:  result.Cipher,
		counter: result.HelloID,
		events:  make(chan *wire.Message, 16),
	}
	go d.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return d
}

// serve answers incoming gateway traffic until the socket closes.
func (d *simDevice) serve() {
	for {
		_ = d.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		frame, err := d.cipher.ReadFrame()
		if err != nil {
			return
		}
		msg, err := wire.Unmarshal(frame)
		if err != nil {
			return
		}

		switch {
		case msg.Type == wire.Acknowledgement:
			// Replies to our own requests; nothing to do.
		case msg.Code == wire.CodeEmpty:
			d.send(wire.NewAck(msg.ID))
		default:
			d.handleRequest(msg)
		}
	}
}

func (d *simDevice) handleRequest(msg *wire.Message) {
	path := msg.UriPath()
	switch {
	case path == "d":
		d.send(ack(msg, wire.CodeContent, []byte(describeJSON)))

	case path == "v/temperature":
		if len(msg.Payload) > 0 {
			// Variable write: echo the stored value.
			d.send(ack(msg, wire.CodeContent, msg.Payload))
			return
		}
		d.send(ack(msg, wire.CodeContent, []byte{0x2A, 0x00, 0x00, 0x00}))

	case len(path) > 2 && path[:2] == "f/":
		d.send(ack(msg, wire.CodeChanged, []byte{0x01, 0x00, 0x00, 0x00}))

	case path == "s":
		d.send(ack(msg, wire.CodeChanged, nil))

	case len(path) > 2 && (path[:2] == "e/" || path[:2] == "E/"):
		// Event pushed by the gateway.
		d.events <- msg
		if msg.Type == wire.Confirmable {
			d.send(wire.NewAck(msg.ID))
		}

	default:
		d.send(ack(msg, wire.CodeContent, nil))
	}
}

func (d *simDevice) send(msg *wire.Message) {
	frame, err := wire.Marshal(msg)
	require.NoError(d.t, err)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	require.NoError(d.t, d.cipher.WriteFrame(frame))
}

// request sends a device-originated message with the next counter value.
func (d *simDevice) request(msg *wire.Message) {
	d.writeMu.Lock()
	d.counter++
	msg.ID = d.counter
	d.writeMu.Unlock()
	d.send(msg)
}

func ack(req *wire.Message, code wire.Code, payload []byte) *wire.Message {
	return &wire.Message{
		Type:    wire.Acknowledgement,
		Code:    code,
		ID:      req.ID,
		Token:   req.Token,
		Payload: payload,
	}
}

func waitSession(t *testing.T, env *gatewayEnv) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.gateway.SessionCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never registered")
}

func TestEndToEndCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := startGateway(t)
	connectDevice(t, env)
	waitSession(t, env)

	sess, ok := env.gateway.Session(env.deviceID)
	require.True(t, ok)

	desc, _, err := sess.Describe()
	require.NoError(t, err)
	assert.Equal(t, "int32", desc.Variables["temperature"])
	assert.Equal(t, []string{"string", "string"}, desc.Functions["led"])

	value, _, err := sess.GetVar("temperature", "")
	require.NoError(t, err)
	assert.Equal(t, int32(42), value)

	echo, _, err := sess.SetVar("temperature", int64(7))
	require.NoError(t, err)
	assert.Equal(t, int32(7), echo)

	result, err := sess.CallFn("led", "on,5")
	require.NoError(t, err)
	assert.Equal(t, int32(1), result)

	require.NoError(t, sess.Signal(true))
}

func TestEndToEndEventFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := startGateway(t)
	dev := connectDevice(t, env)
	waitSession(t, env)

	// Device publishes a public event; a bus subscriber sees it.
	sub := env.bus.Subscribe("temp")
	defer sub.Cancel()

	event := &wire.Message{Type: wire.Confirmable, Code: wire.CodePOST, Payload: []byte("72")}
	event.SetUriPath("E/temp")
	dev.request(event)

	select {
	case e := <-sub.C:
		assert.Equal(t, "temp", e.Name)
		assert.Equal(t, "72", e.Data)
		assert.True(t, e.Public)
		assert.Equal(t, env.deviceID.String(), e.DeviceID)
	case <-time.After(3 * time.Second):
		t.Fatal("device event never reached the bus")
	}

	// Device subscribes to a prefix; a bus publish is pushed back down.
	subscribe := &wire.Message{Type: wire.Confirmable, Code: wire.CodeGET}
	subscribe.SetUriPath("e/alert")
	dev.request(subscribe)

	// Subscription registration races the publish; retry until the
	// event lands or the deadline passes.
	deadline := time.Now().Add(3 * time.Second)
	for {
		env.bus.Publish(eventbus.Event{Name: "alert/high", Data: "1"})
		select {
		case msg := <-dev.events:
			assert.Equal(t, "e/alert/high", msg.UriPath())
			assert.Equal(t, "1", string(msg.Payload))
			return
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("bus event never reached the device")
			}
		}
	}
}

func TestEndToEndReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := startGateway(t)
	connectDevice(t, env)
	waitSession(t, env)
	first, ok := env.gateway.Session(env.deviceID)
	require.True(t, ok)

	connectDevice(t, env)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := env.gateway.Session(env.deviceID); ok && sess != first {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sess, ok := env.gateway.Session(env.deviceID)
	require.True(t, ok)
	require.NotSame(t, first, sess)

	// The replacement session is fully usable.
	value, _, err := sess.GetVar("temperature", "int32")
	require.NoError(t, err)
	assert.Equal(t, int32(42), value)
	assert.Equal(t, 1, env.gateway.SessionCount())
}
