package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// DeviceDescription is the parsed introspection data a device returns
// from Describe: the variables it exposes (name to type name) and the
// functions it accepts (name to argument type list).
type DeviceDescription struct {
	// Variables maps variable name to its type name ("int32", "string", ...).
	Variables map[string]string `json:"v,omitempty"`

	// Functions maps function name to its argument type names.
	Functions map[string][]string `json:"f,omitempty"`
}

// ParseDescription decodes a DescribeReturn payload.
func ParseDescription(payload []byte) (*DeviceDescription, error) {
	var d DeviceDescription
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: describe payload: %v", ErrProtocol, err)
	}
	return &d, nil
}

// VariableType returns the declared type of a variable. Unknown
// variables and untyped declarations fall back to string.
func (d *DeviceDescription) VariableType(name string) wire.VarType {
	if d == nil {
		return wire.TypeString
	}
	return wire.ParseVarType(d.Variables[name])
}

// HasFunction reports whether the device exposes the named function.
func (d *DeviceDescription) HasFunction(name string) bool {
	if d == nil {
		return false
	}
	_, ok := d.Functions[name]
	return ok
}

// TransformArguments renders a comma-separated argument string into the
// Uri-Query form of a FunctionCall, validated against the function's
// declared signature. "on,5" for a two-argument function becomes "on&5".
// Surplus arguments are dropped; missing ones are an error.
func (d *DeviceDescription) TransformArguments(name, args string) (string, error) {
	if d == nil || !d.HasFunction(name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	sig := d.Functions[name]
	if len(sig) == 0 {
		return "", nil
	}

	var parts []string
	if args != "" {
		parts = strings.Split(args, ",")
	}
	if len(parts) < len(sig) {
		return "", fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrBadArguments, name, len(sig), len(parts))
	}
	return strings.Join(parts[:len(sig)], "&"), nil
}
