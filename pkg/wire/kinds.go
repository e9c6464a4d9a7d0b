package wire

import "strings"

// Kind identifies a protocol message by role rather than raw CoAP code.
// The session routes every inbound frame to exactly one kind.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHello
	KindDescribe
	KindDescribeReturn
	KindVariableRequest
	KindVariableValue
	KindFunctionCall
	KindFunctionReturn
	KindUpdateBegin
	KindUpdateReady
	KindUpdateAbort
	KindUpdateDone
	KindChunk
	KindChunkReceived
	KindEvent
	KindPublicEvent
	KindPrivateEvent
	KindSubscribe
	KindSubscribeAck
	KindSubscribeFail
	KindGetTime
	KindGetTimeReturn
	KindRaiseYourHand
	KindRaiseYourHandReturn
	KindKeyChange
	KindEventAck
	KindEventSlowdown
	KindSignalStart
	KindPing
	KindPingAck
	KindIgnored
)

// String returns the kind name.
func (k Kind) String() string {
	if spec, ok := kindTable[k]; ok {
		return spec.name
	}
	return "Unknown"
}

// TokenUse describes whether a kind carries a correlation token.
type TokenUse uint8

const (
	// TokenNone means the kind never carries a token.
	TokenNone TokenUse = iota

	// TokenRequired means a fresh token is assigned on send and the
	// matching response echoes it.
	TokenRequired

	// TokenEcho means the kind echoes the token of the request it
	// answers.
	TokenEcho
)

// kindSpec describes the wire shape of one message kind: the CoAP code,
// message type, URI template ("%s" slots filled by the sender), and the
// token requirement.
type kindSpec struct {
	name  string
	typ   Type
	code  Code
	uri   string
	token TokenUse
}

var kindTable = map[Kind]kindSpec{
	KindHello:               {"Hello", Confirmable, CodePOST, "h", TokenNone},
	KindDescribe:            {"Describe", Confirmable, CodeGET, "d", TokenRequired},
	KindDescribeReturn:      {"DescribeReturn", Acknowledgement, CodeContent, "", TokenEcho},
	KindVariableRequest:     {"VariableRequest", Confirmable, CodeGET, "v/%s", TokenRequired},
	KindVariableValue:       {"VariableValue", Acknowledgement, CodeContent, "", TokenEcho},
	KindFunctionCall:        {"FunctionCall", Confirmable, CodePOST, "f/%s?%s", TokenRequired},
	KindFunctionReturn:      {"FunctionReturn", Acknowledgement, CodeChanged, "", TokenEcho},
	KindUpdateBegin:         {"UpdateBegin", Confirmable, CodePOST, "u", TokenRequired},
	KindUpdateReady:         {"UpdateReady", Acknowledgement, CodeChanged, "", TokenEcho},
	KindUpdateAbort:         {"UpdateAbort", Acknowledgement, CodeBadRequest, "", TokenEcho},
	KindUpdateDone:          {"UpdateDone", Confirmable, CodePUT, "u", TokenRequired},
	KindChunk:               {"Chunk", Confirmable, CodePOST, "c", TokenRequired},
	KindChunkReceived:       {"ChunkReceived", Acknowledgement, CodeChanged, "", TokenEcho},
	KindEvent:               {"Event", NonConfirmable, CodePOST, "e/%s", TokenNone},
	KindPublicEvent:         {"PublicEvent", NonConfirmable, CodePOST, "E/%s", TokenNone},
	KindPrivateEvent:        {"PrivateEvent", NonConfirmable, CodePOST, "e/%s", TokenNone},
	KindSubscribe:           {"Subscribe", Confirmable, CodeGET, "e/%s", TokenNone},
	KindSubscribeAck:        {"SubscribeAck", Acknowledgement, CodeChanged, "", TokenNone},
	KindSubscribeFail:       {"SubscribeFail", Acknowledgement, CodeBadRequest, "", TokenNone},
	KindGetTime:             {"GetTime", Confirmable, CodeGET, "t", TokenEcho},
	KindGetTimeReturn:       {"GetTimeReturn", Acknowledgement, CodeContent, "", TokenEcho},
	KindRaiseYourHand:       {"RaiseYourHand", Confirmable, CodePUT, "s/raise", TokenRequired},
	KindRaiseYourHandReturn: {"RaiseYourHandReturn", Acknowledgement, CodeChanged, "", TokenEcho},
	KindKeyChange:           {"KeyChange", Confirmable, CodePUT, "k", TokenRequired},
	KindEventAck:            {"EventAck", Acknowledgement, CodeChanged, "", TokenNone},
	KindEventSlowdown:       {"EventSlowdown", Acknowledgement, CodeTooManyRequests, "", TokenNone},
	KindSignalStart:         {"SignalStart", Confirmable, CodePUT, "s?%s", TokenRequired},
	KindPing:                {"Ping", Confirmable, CodeEmpty, "", TokenNone},
	KindPingAck:             {"PingAck", Acknowledgement, CodeEmpty, "", TokenNone},
	KindIgnored:             {"Ignored", NonConfirmable, CodeEmpty, "", TokenNone},
}

// responseTable maps a request kind to the reply kind its sender awaits.
var responseTable = map[Kind]Kind{
	KindHello:           KindHello,
	KindDescribe:        KindDescribeReturn,
	KindVariableRequest: KindVariableValue,
	KindFunctionCall:    KindFunctionReturn,
	KindUpdateBegin:     KindUpdateReady,
	KindUpdateDone:      KindUpdateReady,
	KindChunk:           KindChunkReceived,
	KindSubscribe:       KindSubscribeAck,
	KindGetTime:         KindGetTimeReturn,
	KindRaiseYourHand:   KindRaiseYourHandReturn,
	KindEvent:           KindEventAck,
	KindPublicEvent:     KindEventAck,
	KindPrivateEvent:    KindEventAck,
	KindPing:            KindPingAck,
}

// ResponseKind returns the reply kind awaited after sending req, or
// KindPingAck when the kind expects only a bare acknowledgement.
func ResponseKind(req Kind) Kind {
	if resp, ok := responseTable[req]; ok {
		return resp
	}
	return KindPingAck
}

// Spec returns the wire shape of a kind. The bool is false for kinds
// not in the table.
func Spec(k Kind) (typ Type, code Code, uri string, token TokenUse, ok bool) {
	s, ok := kindTable[k]
	return s.typ, s.code, s.uri, s.token, ok
}

// TokenFor returns the token requirement of a kind.
func TokenFor(k Kind) TokenUse {
	return kindTable[k].token
}

// RouteRequest classifies an inbound non-ack frame by its method code
// and first Uri-Path segment. Frames the gateway has no business with
// come back as KindIgnored.
func RouteRequest(m *Message) Kind {
	segs := m.UriPathSegments()
	if len(segs) == 0 {
		return KindIgnored
	}

	switch segs[0] {
	case "h":
		return KindHello
	case "d":
		return KindDescribe
	case "v":
		return KindVariableRequest
	case "f":
		return KindFunctionCall
	case "e":
		if m.Code == CodeGET {
			return KindSubscribe
		}
		return KindPrivateEvent
	case "E":
		if m.Code == CodeGET {
			return KindSubscribe
		}
		return KindPublicEvent
	case "t":
		return KindGetTime
	case "s":
		if len(segs) > 1 && segs[1] == "raise" {
			return KindRaiseYourHand
		}
		return KindSignalStart
	case "u":
		if m.Code == CodePUT {
			return KindUpdateDone
		}
		return KindUpdateBegin
	case "c":
		return KindChunk
	default:
		return KindIgnored
	}
}

// EventName strips the e/ or E/ prefix from an event or subscribe URI
// and clamps the remainder to 63 bytes. Returns "" when the URI is not
// an event path.
func EventName(m *Message) string {
	path := m.UriPath()
	if len(path) < 2 || (path[0] != 'e' && path[0] != 'E') || path[1] != '/' {
		return ""
	}
	name := path[2:]
	if len(name) > MaxEventNameLength {
		name = name[:MaxEventNameLength]
	}
	return name
}

// MaxEventNameLength is the longest event name after the prefix strip.
const MaxEventNameLength = 63

// SystemEventPrefix marks events consumed by the gateway itself and
// never republished to the external bus.
const SystemEventPrefix = "spark/"

// System event names the session handles internally.
const (
	EventClaimCode     = "spark/device/claim/code"
	EventSystemVersion = "spark/device/system/version"
	EventSafeMode      = "spark/device/safemode"
	EventFlashStatus   = "spark/flash/status"
)

// IsSystemEvent reports whether an event name is gateway-internal.
func IsSystemEvent(name string) bool {
	return strings.HasPrefix(name, SystemEventPrefix)
}
