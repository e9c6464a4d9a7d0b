package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	data, err := Marshal(m)
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)
	return out
}

func TestMarshalUnmarshalBasic(t *testing.T) {
	m := &Message{
		Type:    Confirmable,
		Code:    CodeGET,
		ID:      0xBEEF,
		Token:   []byte{0x01, 0x02},
		Payload: []byte("hello"),
	}
	m.SetUriPath("v/temperature")

	out := roundTrip(t, m)
	assert.Equal(t, Confirmable, out.Type)
	assert.Equal(t, CodeGET, out.Code)
	assert.Equal(t, uint16(0xBEEF), out.ID)
	assert.Equal(t, []byte{0x01, 0x02}, out.Token)
	assert.Equal(t, "v/temperature", out.UriPath())
	assert.Equal(t, []byte("hello"), out.Payload)
}

func TestMarshalUnmarshalEmpty(t *testing.T) {
	out := roundTrip(t, NewPing(42))
	assert.True(t, out.IsEmpty())
	assert.Equal(t, Confirmable, out.Type)
	assert.Equal(t, uint16(42), out.ID)

	out = roundTrip(t, NewAck(42))
	assert.True(t, out.IsEmpty())
	assert.True(t, out.IsAck())
}

func TestOptionDeltaExtensions(t *testing.T) {
	// The Timestamp option number (2048) needs the two-byte delta
	// extension; MaxAge needs the one-byte form after ContentFormat.
	m := &Message{Type: NonConfirmable, Code: CodePOST, ID: 7}
	m.SetUriPath("e/temp")
	m.AddOption(OptContentFormat, []byte{0x00})
	m.SetMaxAge(300)
	m.SetTimestamp(time.Unix(1700000000, 0))
	m.Payload = []byte("72")

	out := roundTrip(t, m)
	assert.Equal(t, "e/temp", out.UriPath())

	age, ok := out.MaxAge()
	require.True(t, ok)
	assert.Equal(t, uint32(300), age)

	ts, ok := out.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts.Unix())
}

func TestOptionLongValue(t *testing.T) {
	// Values over 12 bytes exercise the length extension nibble.
	long := strings.Repeat("x", 60)
	m := &Message{Type: Confirmable, Code: CodeGET, ID: 1}
	m.SetUriPath("e/" + long)

	out := roundTrip(t, m)
	assert.Equal(t, "e/"+long, out.UriPath())
}

func TestOptionsSortedOnMarshal(t *testing.T) {
	m := &Message{Type: Confirmable, Code: CodeGET, ID: 1}
	// Insert out of order; the codec must delta-encode ascending.
	m.AddOption(OptUriQuery, []byte("u"))
	m.AddOption(OptUriPath, []byte("e"))
	m.AddOption(OptUriPath, []byte("temp"))

	out := roundTrip(t, m)
	assert.Equal(t, "e/temp", out.UriPath())
	assert.Equal(t, "u", out.UriQuery())
	assert.True(t, out.HasQueryFlag("u"))
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal([]byte{0x40, 0x01})
	assert.ErrorIs(t, err, ErrFrameLength)

	// Version bits must be 01.
	_, err = Unmarshal([]byte{0x80, 0x01, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrBadVersion)

	// TKL 9 is reserved.
	_, err = Unmarshal([]byte{0x49, 0x01, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrBadToken)

	// Payload marker with nothing after it.
	_, err = Unmarshal([]byte{0x40, 0x01, 0x00, 0x01, 0xFF})
	assert.ErrorIs(t, err, ErrBadFrame)

	// Option nibble 15 outside the payload marker position.
	_, err = Unmarshal([]byte{0x40, 0x01, 0x00, 0x01, 0xF1, 0x00})
	assert.ErrorIs(t, err, ErrBadOption)

	// Option value runs past the frame end.
	_, err = Unmarshal([]byte{0x40, 0x01, 0x00, 0x01, 0xB5, 0x61})
	assert.ErrorIs(t, err, ErrBadOption)
}

func TestMarshalRejectsLongToken(t *testing.T) {
	m := &Message{Type: Confirmable, Code: CodeGET, ID: 1, Token: make([]byte, 9)}
	_, err := Marshal(m)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestKindTableShapes(t *testing.T) {
	typ, code, uri, token, ok := Spec(KindHello)
	require.True(t, ok)
	assert.Equal(t, Confirmable, typ)
	assert.Equal(t, CodePOST, code)
	assert.Equal(t, "h", uri)
	assert.Equal(t, TokenNone, token)

	typ, code, _, token, ok = Spec(KindVariableRequest)
	require.True(t, ok)
	assert.Equal(t, Confirmable, typ)
	assert.Equal(t, CodeGET, code)
	assert.Equal(t, TokenRequired, token)

	_, _, _, _, ok = Spec(KindUnknown)
	assert.False(t, ok)

	assert.Equal(t, "FunctionCall", KindFunctionCall.String())
	assert.Equal(t, "Unknown", KindUnknown.String())
}

func TestKindRoundTripAllKinds(t *testing.T) {
	for kind, spec := range kindTable {
		t.Run(spec.name, func(t *testing.T) {
			msg := &Message{Type: spec.typ, Code: spec.code, ID: 4242}

			// Empty-code kinds (pings) carry nothing else on the wire.
			if spec.code != CodeEmpty {
				if spec.token != TokenNone {
					msg.Token = []byte{0x2A}
				}
				msg.Payload = []byte("payload")

				uri := spec.uri
				if i := strings.IndexByte(uri, '?'); i >= 0 {
					msg.SetUriQuery(strings.ReplaceAll(uri[i+1:], "%s", "a=1"))
					uri = uri[:i]
				}
				if uri != "" {
					msg.SetUriPath(strings.ReplaceAll(uri, "%s", "name"))
				}
			}

			out := roundTrip(t, msg)
			assert.Equal(t, spec.typ, out.Type, "type for %s", kind)
			assert.Equal(t, spec.code, out.Code, "code for %s", kind)
			assert.Equal(t, uint16(4242), out.ID)
			assert.Equal(t, msg.UriPath(), out.UriPath())
			assert.Equal(t, msg.UriQuery(), out.UriQuery())

			if spec.code == CodeEmpty {
				assert.Empty(t, out.Token)
				assert.Empty(t, out.Payload)
				return
			}
			if spec.token != TokenNone {
				assert.Equal(t, []byte{0x2A}, out.Token)
			} else {
				assert.Empty(t, out.Token)
			}
			assert.Equal(t, []byte("payload"), out.Payload)
		})
	}
}

func TestResponseKind(t *testing.T) {
	assert.Equal(t, KindVariableValue, ResponseKind(KindVariableRequest))
	assert.Equal(t, KindChunkReceived, ResponseKind(KindChunk))
	assert.Equal(t, KindUpdateReady, ResponseKind(KindUpdateBegin))
	assert.Equal(t, KindUpdateReady, ResponseKind(KindUpdateDone))
	// Kinds without a mapped reply await a bare ack.
	assert.Equal(t, KindPingAck, ResponseKind(KindSignalStart))
}

func TestRouteRequest(t *testing.T) {
	route := func(code Code, path string) Kind {
		m := &Message{Type: Confirmable, Code: code, ID: 1}
		m.SetUriPath(path)
		return RouteRequest(m)
	}

	assert.Equal(t, KindHello, route(CodePOST, "h"))
	assert.Equal(t, KindDescribe, route(CodeGET, "d"))
	assert.Equal(t, KindVariableRequest, route(CodeGET, "v/temp"))
	assert.Equal(t, KindFunctionCall, route(CodePOST, "f/led"))
	assert.Equal(t, KindPrivateEvent, route(CodePOST, "e/motion"))
	assert.Equal(t, KindPublicEvent, route(CodePOST, "E/motion"))
	assert.Equal(t, KindSubscribe, route(CodeGET, "e/motion"))
	assert.Equal(t, KindSubscribe, route(CodeGET, "E/motion"))
	assert.Equal(t, KindGetTime, route(CodeGET, "t"))
	assert.Equal(t, KindRaiseYourHand, route(CodePUT, "s/raise"))
	assert.Equal(t, KindSignalStart, route(CodePUT, "s"))
	assert.Equal(t, KindUpdateBegin, route(CodePOST, "u"))
	assert.Equal(t, KindUpdateDone, route(CodePUT, "u"))
	assert.Equal(t, KindChunk, route(CodePOST, "c"))
	assert.Equal(t, KindIgnored, route(CodeGET, "x/unknown"))

	// No path at all.
	assert.Equal(t, KindIgnored, RouteRequest(&Message{Type: Confirmable, Code: CodeGET}))
}

func TestEventName(t *testing.T) {
	m := &Message{Type: NonConfirmable, Code: CodePOST, ID: 1}
	m.SetUriPath("e/temperature/outside")
	assert.Equal(t, "temperature/outside", EventName(m))

	m = &Message{Type: NonConfirmable, Code: CodePOST, ID: 1}
	m.SetUriPath("E/motion")
	assert.Equal(t, "motion", EventName(m))

	m = &Message{Type: Confirmable, Code: CodeGET, ID: 1}
	m.SetUriPath("v/temp")
	assert.Equal(t, "", EventName(m))

	// Names clamp at 63 bytes.
	m = &Message{Type: NonConfirmable, Code: CodePOST, ID: 1}
	m.SetUriPath("e/" + strings.Repeat("a", 100))
	assert.Len(t, EventName(m), MaxEventNameLength)
}

func TestSystemEvents(t *testing.T) {
	assert.True(t, IsSystemEvent(EventClaimCode))
	assert.True(t, IsSystemEvent(EventFlashStatus))
	assert.False(t, IsSystemEvent("temperature"))
}

func TestEncodeDecodeValue(t *testing.T) {
	cases := []struct {
		typ     VarType
		in      any
		want    any
		payload int
	}{
		{TypeBool, true, true, 1},
		{TypeInt8, -5, int8(-5), 1},
		{TypeUint8, 200, uint8(200), 1},
		{TypeInt16, -1000, int16(-1000), 2},
		{TypeUint16, 50000, uint16(50000), 2},
		{TypeInt32, -100000, int32(-100000), 4},
		{TypeUint32, 3000000000, uint32(3000000000), 4},
		{TypeFloat, float32(1.5), float32(1.5), 4},
		{TypeDouble, 2.25, 2.25, 8},
		{TypeString, "on", "on", 2},
		{TypeBuffer, []byte{0xDE, 0xAD}, []byte{0xDE, 0xAD}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			payload, err := EncodeValue(tc.typ, tc.in)
			require.NoError(t, err)
			assert.Len(t, payload, tc.payload)

			out, err := DecodeValue(tc.typ, payload)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestEncodeValueErrors(t *testing.T) {
	_, err := EncodeValue(TypeBool, "yes")
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = EncodeValue(TypeInt32, 1.5)
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = EncodeValue(VarType(99), 1)
	assert.ErrorIs(t, err, ErrBadVarType)

	_, err = DecodeValue(TypeInt32, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDecodeInt32ZeroExtends(t *testing.T) {
	assert.Equal(t, int32(1), DecodeInt32([]byte{0x01}))
	assert.Equal(t, int32(0x0201), DecodeInt32([]byte{0x01, 0x02}))
	assert.Equal(t, int32(-1), DecodeInt32([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.Equal(t, int32(0), DecodeInt32(nil))
}

func TestParseVarType(t *testing.T) {
	assert.Equal(t, TypeInt32, ParseVarType("int32"))
	assert.Equal(t, TypeInt32, ParseVarType("int"))
	assert.Equal(t, TypeUint8, ParseVarType("byte"))
	assert.Equal(t, TypeDouble, ParseVarType("double"))
	// Unknown names decode as string.
	assert.Equal(t, TypeString, ParseVarType("mystery"))
	assert.Equal(t, TypeString, ParseVarType(""))
}

func TestDeviceID(t *testing.T) {
	id, err := ParseDeviceID("0123456789abcdef01234567")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef01234567", id.String())
	assert.False(t, id.IsZero())

	_, err = ParseDeviceID("0123")
	assert.ErrorIs(t, err, ErrBadDeviceID)
	_, err = ParseDeviceID("not hex at all, not hex!")
	assert.ErrorIs(t, err, ErrBadDeviceID)

	same, err := DeviceIDFromBytes(id[:])
	require.NoError(t, err)
	assert.Equal(t, id, same)
	_, err = DeviceIDFromBytes(make([]byte, 5))
	assert.ErrorIs(t, err, ErrBadDeviceID)

	assert.True(t, DeviceID{}.IsZero())
}

func TestHelloPayloadPrefixDecode(t *testing.T) {
	h := HelloPayload{ProductID: 6, FirmwareVersion: 65, PlatformID: 10}
	encoded := h.Encode()
	require.Len(t, encoded, 6)

	assert.Equal(t, h, DecodeHelloPayload(encoded))

	// Older firmware sends fewer fields; absent ones stay zero.
	partial := DecodeHelloPayload(encoded[:2])
	assert.Equal(t, HelloPayload{ProductID: 6}, partial)
	assert.Equal(t, HelloPayload{}, DecodeHelloPayload(nil))
}

func TestMessageString(t *testing.T) {
	m := &Message{Type: Confirmable, Code: CodeGET, ID: 9, Token: []byte{0x01}}
	m.SetUriPath("v/temp")
	s := m.String()
	assert.Contains(t, s, "CON")
	assert.Contains(t, s, "GET")
	assert.Contains(t, s, "v/temp")
}
