package rulecache

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Schema defines the variable names and their types that rule expressions may
// refer to. The same names must be supplied in the bindings when rules are
// evaluated.
type Schema struct {
	// Identifier for the schema. Not used by the registry.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// User-friendly name for the schema
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// A user-friendly description of the schema
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// List of variables supported by this schema
	Elements []DataElement `json:"elements,omitempty" yaml:"elements,omitempty"`
}

func (s *Schema) String() string {
	x := strings.Builder{}
	x.WriteString(s.ID)
	if s.Name != "" {
		x.WriteString("  '" + s.Name + "'")
	}
	x.WriteString("\n")
	for _, e := range s.Elements {
		x.WriteString(e.String())
		x.WriteString("\n")
	}
	return x.String()
}

// DataElement defines a named variable in a schema
type DataElement struct {
	// Name used in expressions. Qualified names ("request.size") are allowed.
	Name string `json:"name"`

	// One of the Type implementations below.
	Type Type `json:"type"`

	// Optional description of the variable.
	Description string `json:"description,omitempty"`
}

func (e *DataElement) String() string {
	return fmt.Sprintf("  %s (%s)", e.Name, e.Type)
}

// Type is a type in the rulecache type system. Types are used to declare
// schema variables and to describe evaluation results.
type Type interface {
	String() string
}

// String is a string type.
type String struct{}

// Int is a signed 64-bit integer.
type Int struct{}

// Uint is an unsigned 64-bit integer.
type Uint struct{}

// Float is a 64-bit floating point number.
type Float struct{}

// Bool is a true/false value.
type Bool struct{}

// Bytes is a byte sequence.
type Bytes struct{}

// Duration corresponds to time.Duration.
type Duration struct{}

// Timestamp corresponds to time.Time.
type Timestamp struct{}

// Any is an unspecified (dynamic) type.
type Any struct{}

// Proto is a protocol buffer message type.
type Proto struct {
	Protoname string // fully qualified name of the protobuf type
	Message   any    // an empty instance of the type
}

// List is a list of values of one type.
type List struct {
	ValueType Type
}

// Map is a map of keys to values.
type Map struct {
	KeyType   Type
	ValueType Type
}

func (Int) String() string       { return "int" }
func (Uint) String() string      { return "uint" }
func (Bool) String() string      { return "bool" }
func (String) String() string    { return "string" }
func (Bytes) String() string     { return "bytes" }
func (Any) String() string       { return "any" }
func (Duration) String() string  { return "duration" }
func (Timestamp) String() string { return "timestamp" }
func (Float) String() string     { return "float" }
func (t Proto) String() string   { return "proto(" + t.Protoname + ")" }
func (t List) String() string    { return fmt.Sprintf("[]%v", t.ValueType) }
func (t Map) String() string     { return fmt.Sprintf("map[%s]%s", t.KeyType, t.ValueType) }

// ProtoFullName returns the fully qualified protobuf name of the message.
// If Message is set, its descriptor name takes precedence over Protoname.
func (t Proto) ProtoFullName() (string, error) {
	if t.Message == nil {
		if t.Protoname == "" {
			return "", fmt.Errorf("proto type has neither a name nor a message")
		}
		return t.Protoname, nil
	}
	m, ok := t.Message.(proto.Message)
	if !ok {
		return "", fmt.Errorf("proto type %s: message %T is not a proto.Message", t.Protoname, t.Message)
	}
	return string(m.ProtoReflect().Descriptor().FullName()), nil
}

// Value is the typed result of an evaluation.
// Inspect the Type to determine what Val holds.
type Value struct {
	Val  any  // the value
	Type Type // the rulecache type of Val
}

func (v Value) String() string {
	return fmt.Sprintf("%v (%v)", v.Val, v.Type)
}

// ParseType parses a string that represents a type and returns the type.
// The primitive types are their lower-case names (string, int, duration, etc.)
// Maps and lists look like Go maps and slices: map[string]float and []string.
// Proto types look like this: proto(protoname)
func ParseType(t string) (Type, error) {
	t = strings.TrimSpace(t)

	if strings.HasPrefix(t, "map[") {
		return parseMap(t)
	}

	if strings.HasPrefix(t, "[]") {
		return parseList(t)
	}

	if strings.HasPrefix(t, "proto(") {
		return parseProto(t)
	}

	switch t {
	case "string":
		return String{}, nil
	case "int":
		return Int{}, nil
	case "uint":
		return Uint{}, nil
	case "float":
		return Float{}, nil
	case "bool":
		return Bool{}, nil
	case "bytes":
		return Bytes{}, nil
	case "duration":
		return Duration{}, nil
	case "timestamp":
		return Timestamp{}, nil
	case "any":
		return Any{}, nil
	default:
		return Any{}, fmt.Errorf("unrecognized type: %q", t)
	}
}

// parseMap parses a string in the format map[<keytype>]<valuetype>.
// The value type may itself be a list or map.
func parseMap(t string) (Type, error) {
	rest := strings.TrimPrefix(t, "map[")
	end := strings.Index(rest, "]")
	if end < 1 || end == len(rest)-1 {
		return Any{}, fmt.Errorf("bad map specification: %q", t)
	}

	keyType, err := ParseType(rest[:end])
	if err != nil {
		return Any{}, fmt.Errorf("map key: %w", err)
	}

	valueType, err := ParseType(rest[end+1:])
	if err != nil {
		return Any{}, fmt.Errorf("map value: %w", err)
	}

	return Map{
		KeyType:   keyType,
		ValueType: valueType,
	}, nil
}

// parseList parses a string in the format []<valuetype>
func parseList(t string) (Type, error) {
	valueType, err := ParseType(strings.TrimPrefix(t, "[]"))
	if err != nil {
		return Any{}, fmt.Errorf("list value: %w", err)
	}
	return List{
		ValueType: valueType,
	}, nil
}

// parseProto parses a string in the form proto(<protoname>) and returns a
// partial proto type. The Message field must be supplied later.
func parseProto(t string) (Type, error) {
	startParen := strings.Index(t, "(")
	endParen := strings.LastIndex(t, ")")

	if startParen == -1 || endParen == -1 || endParen-startParen == 1 || endParen != len(t)-1 {
		return Any{}, fmt.Errorf("bad proto specification: %q", t)
	}

	return Proto{Protoname: t[startParen+1 : endParen]}, nil
}
