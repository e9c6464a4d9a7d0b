package session

import (
	"strings"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/store"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// handleEvent processes a device-published event: system events are
// consumed by the gateway, everything else goes to the bus.
func (s *Session) handleEvent(kind wire.Kind, msg *wire.Message) {
	name := wire.EventName(msg)
	if name == "" {
		if msg.Type == wire.Confirmable {
			s.reply(wire.NewAck(msg.ID), "EventAck")
		}
		return
	}

	ttl := eventbus.DefaultTTL
	if v, ok := msg.MaxAge(); ok {
		ttl = int(v)
	}
	data := string(msg.Payload)

	if wire.IsSystemEvent(name) {
		s.handleSystemEvent(name, data, msg)
		return
	}

	accepted := s.bus.Publish(eventbus.Event{
		Name:      name,
		Data:      data,
		TTL:       ttl,
		Public:    kind == wire.KindPublicEvent,
		DeviceID:  s.deviceID.String(),
		UserID:    s.userID,
		Published: time.Now(),
	})
	if !accepted {
		s.reply(newEventSlowdown(msg.ID), "EventSlowdown")
		return
	}
	if msg.Type == wire.Confirmable {
		s.reply(newEventAck(msg.ID), "EventAck")
	}
}

// handleSystemEvent consumes spark/ events the gateway handles itself.
// None of them are republished to the bus.
func (s *Session) handleSystemEvent(name, data string, msg *wire.Message) {
	ack := func() {
		if msg.Type == wire.Confirmable {
			s.reply(newEventAck(msg.ID), "EventAck")
		}
	}

	switch name {
	case wire.EventClaimCode:
		code := strings.TrimSpace(data)
		changed := false
		if s.attrs != nil {
			err := s.attrs.SetCoreAttributes(s.deviceID, func(a *store.CoreAttributes) {
				changed = a.ClaimCode != code
				a.ClaimCode = code
			})
			if err != nil {
				s.slog.Warn("failed to store claim code", "error", err)
			}
		} else {
			changed = true
		}
		ack()
		if changed && code != "" {
			hello := s.Hello()
			if err := s.api.LinkDevice(s.deviceID, code, hello.ProductID); err != nil {
				s.slog.Warn("link device failed", "error", err)
			}
		}

	case wire.EventSystemVersion:
		if s.attrs != nil {
			err := s.attrs.SetCoreAttributes(s.deviceID, func(a *store.CoreAttributes) {
				a.SystemVersion = data
			})
			if err != nil {
				s.slog.Warn("failed to store system version", "error", err)
			}
		}
		ack()

	case wire.EventSafeMode:
		ack()
		// The Describe round trip must not stall the read pump; it
		// depends on the pump delivering the reply.
		go func() {
			telemetry := data
			if _, raw, err := s.Describe(); err == nil {
				telemetry = string(raw)
			}
			if err := s.api.SafeMode(s.deviceID, telemetry); err != nil {
				s.slog.Warn("safe mode report failed", "error", err)
			}
		}()

	default:
		ack()
	}
}

// handleSubscribe registers the device for bus events by name prefix.
func (s *Session) handleSubscribe(msg *wire.Message) {
	name := wire.EventName(msg)
	if name == "" {
		s.reply(newSubscribeFail(msg.ID), "SubscribeFail")
		return
	}

	var opts []eventbus.SubscribeOption
	if msg.HasQueryFlag("u") && s.userID != "" {
		opts = append(opts, eventbus.WithUser(s.userID))
	}
	if filter, err := wire.ParseDeviceID(strings.TrimSpace(string(msg.Payload))); err == nil {
		opts = append(opts, eventbus.WithDevice(filter.String()))
	}

	sub := s.bus.Subscribe(name, opts...)

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.reply(newSubscribeAck(msg.ID), "SubscribeAck")
	go s.forwardEvents(sub)
}

// forwardEvents delivers bus events to the device until the session
// ends or the subscription is cancelled.
func (s *Session) forwardEvents(sub *eventbus.Subscription) {
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.SendEvent(e); err != nil {
				if err == ErrSessionClosed {
					return
				}
				// Locked during a flash: the event is dropped, the
				// subscription stays live.
			}
		}
	}
}

// SendEvent writes one event frame to the device.
func (s *Session) SendEvent(e eventbus.Event) error {
	name := e.Name
	if s.userID != "" {
		name = strings.TrimPrefix(name, s.userID+"/")
	}

	kind := wire.KindPrivateEvent
	uri := "e/" + name
	if e.Public {
		kind = wire.KindPublicEvent
		uri = "E/" + name
	}

	typ, code, _, _, _ := wire.Spec(kind)
	msg := &wire.Message{Type: typ, Code: code}
	msg.SetUriPath(uri)
	if e.TTL > 0 {
		msg.SetMaxAge(uint32(e.TTL))
	}
	if !e.Published.IsZero() {
		msg.SetTimestamp(e.Published)
	}
	if e.Data != "" {
		msg.Payload = []byte(e.Data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	if s.owner != nil {
		return ErrLocked
	}
	s.sendCounter = uint16((int(s.sendCounter) + 1) % s.cfg.CounterMax)
	msg.ID = s.sendCounter
	return s.writeMessageLocked(msg, kind.String())
}

// handleGetTime answers a device clock sync request with UTC seconds.
func (s *Session) handleGetTime(msg *wire.Message) {
	payload, err := wire.EncodeValue(wire.TypeUint32, uint32(time.Now().UTC().Unix()))
	if err != nil {
		return
	}
	reply := &wire.Message{
		Type:    wire.Acknowledgement,
		Code:    wire.CodeContent,
		ID:      msg.ID,
		Token:   msg.Token,
		Payload: payload,
	}
	s.reply(reply, "GetTimeReturn")
}

func newEventAck(id uint16) *wire.Message {
	return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeChanged, ID: id}
}

func newEventSlowdown(id uint16) *wire.Message {
	return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeTooManyRequests, ID: id}
}

func newSubscribeAck(id uint16) *wire.Message {
	return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeChanged, ID: id}
}

func newSubscribeFail(id uint16) *wire.Message {
	return &wire.Message{Type: wire.Acknowledgement, Code: wire.CodeBadRequest, ID: id}
}
