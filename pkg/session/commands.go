package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/flasher"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Describe fetches (or returns the cached) device description. The raw
// JSON payload is returned alongside the parsed form.
func (s *Session) Describe() (*DeviceDescription, []byte, error) {
	s.mu.Lock()
	if s.introspection != nil {
		desc, raw := s.introspection, s.rawDescribe
		s.mu.Unlock()
		return desc, raw, nil
	}
	s.mu.Unlock()

	resp, err := s.exchange(nil, wire.KindDescribe, "d", "", nil, s.cfg.ExchangeTimeout)
	if err != nil {
		return nil, nil, err
	}
	desc, err := ParseDescription(resp.Payload)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.introspection = desc
	s.rawDescribe = append([]byte(nil), resp.Payload...)
	s.mu.Unlock()
	return desc, resp.Payload, nil
}

// ensureIntrospection returns the device description, fetching it on
// first use.
func (s *Session) ensureIntrospection() (*DeviceDescription, error) {
	desc, _, err := s.Describe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIntrospection, err)
	}
	return desc, nil
}

// variableType resolves the decode type for a variable: the cached
// introspection wins, then the caller's hint, then string.
func (s *Session) variableType(name, hint string) wire.VarType {
	s.mu.Lock()
	desc := s.introspection
	s.mu.Unlock()
	if desc != nil {
		if typeName, ok := desc.Variables[name]; ok {
			return wire.ParseVarType(typeName)
		}
	}
	return wire.ParseVarType(hint)
}

// GetVar reads a device variable. The decoded value, the raw payload
// and any error are returned; typeHint is used when introspection does
// not know the variable (unknown types decode as string).
func (s *Session) GetVar(name, typeHint string) (any, []byte, error) {
	resp, err := s.exchange(nil, wire.KindVariableRequest, "v/"+name, "", nil, s.cfg.ExchangeTimeout)
	if err != nil {
		return nil, nil, err
	}
	value, err := wire.DecodeValue(s.variableType(name, typeHint), resp.Payload)
	if err != nil {
		return nil, resp.Payload, err
	}
	return value, resp.Payload, nil
}

// SetVar writes a device variable and returns the device's echo.
// The wire shape is the same VariableRequest a read uses, with the new
// value as payload.
func (s *Session) SetVar(name string, value any) (any, []byte, error) {
	vt := s.variableType(name, "")
	payload, err := wire.EncodeValue(vt, value)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.exchange(nil, wire.KindVariableRequest, "v/"+name, "", payload, s.cfg.ExchangeTimeout)
	if err != nil {
		return nil, nil, err
	}
	echo, err := wire.DecodeValue(vt, resp.Payload)
	if err != nil {
		return nil, resp.Payload, err
	}
	return echo, resp.Payload, nil
}

// CallFn invokes a device function. args is the comma-separated
// argument string; it is validated and encoded against the device's
// declared signature. The device's int32 return value comes back.
func (s *Session) CallFn(name, args string) (int32, error) {
	desc, err := s.ensureIntrospection()
	if err != nil {
		return 0, err
	}
	query, err := desc.TransformArguments(name, args)
	if err != nil {
		return 0, err
	}
	resp, err := s.exchange(nil, wire.KindFunctionCall, "f/"+name, query, nil, s.cfg.ExchangeTimeout)
	if err != nil {
		return 0, err
	}
	return wire.DecodeInt32(resp.Payload), nil
}

// Flash runs an OTA update with the given binary. It blocks until the
// update finishes and holds exclusive session ownership throughout.
func (s *Session) Flash(binary []byte) error {
	f, err := flasher.New(s, binary,
		flasher.WithRetries(s.cfg.ChunkRetries),
		flasher.WithMaxBinarySize(s.cfg.MaxBinarySize),
		flasher.WithStatus(s.publishFlashStatus),
		flasher.WithLogger(s.slog),
	)
	if err != nil {
		s.publishFlashStatus(flasher.StatusFailed)
		return err
	}
	return f.Run()
}

// FlashKnown flashes a named image from the firmware store. A missing
// image is reported as a failed update and does not drop the session.
func (s *Session) FlashKnown(app string) error {
	if s.firmware == nil {
		s.publishFlashStatus(flasher.StatusFailed)
		return fmt.Errorf("session: no firmware store")
	}
	image, err := s.firmware.Firmware(app, s.cfg.Environment)
	if err != nil {
		s.publishFlashStatus(flasher.StatusFailed)
		return err
	}
	return s.Flash(image)
}

// publishFlashStatus emits the gateway-generated flash status event.
func (s *Session) publishFlashStatus(status string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Name:      wire.EventFlashStatus,
		Data:      status,
		DeviceID:  s.deviceID.String(),
		UserID:    s.userID,
		Published: time.Now(),
	})
}

// RaiseHand asks the device to interrupt its application loop and
// signal (or stop signalling). Returns whether the device answered
// within the 30-second window; a timeout is reported as false, not as
// an error.
func (s *Session) RaiseHand(signal bool) (bool, error) {
	query := "v=0"
	if signal {
		query = "v=1"
	}
	_, err := s.exchange(nil, wire.KindRaiseYourHand, "s/raise", query, nil, RaiseHandTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Signal tells the device to start or stop its visual signal.
func (s *Session) Signal(on bool) error {
	query := "start=0"
	if on {
		query = "start=1"
	}
	_, err := s.exchange(nil, wire.KindSignalStart, "s", query, nil, s.cfg.ExchangeTimeout)
	return err
}

// Ping reports socket liveness without touching the wire: the last
// time the device was heard and whether the session is still up. It
// works even while the flasher owns the session.
func (s *Session) Ping() (lastHeard time.Time, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeard, s.state != StateDisconnected
}
