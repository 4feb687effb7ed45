// Package ruleset reads rule definitions from YAML files and keeps a
// SnapshotManager and Registry in sync with a file on disk.
//
// A rule file looks like this:
//
//	version: 3
//	schema:
//	  - name: request.size
//	    type: int
//	  - name: request.path
//	    type: string
//	rules:
//	  large_request: request.size > 1000
//	  admin_path: request.path.startsWith('/admin')
//
// Types use the syntax of rulecache.ParseType. Proto types must name a message
// registered in the global protobuf registry.
package ruleset

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/ezachrisen/rulecache"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"gopkg.in/yaml.v3"
)

// ErrInvalidFile is returned when a rule file cannot be used.
var ErrInvalidFile = errors.New("invalid rule file")

// File is the on-disk form of a rule set.
type File struct {
	// Version to publish the rule set as. 0 lets the SnapshotManager assign
	// the next version.
	Version uint64 `yaml:"version,omitempty"`

	// Variables the rule expressions may refer to.
	Schema []Variable `yaml:"schema,omitempty"`

	// Rule name to expression.
	Rules map[string]string `yaml:"rules"`
}

// Variable is one schema entry.
type Variable struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// Parse decodes a rule file. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the rule file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) validate() error {
	if f.Rules == nil {
		f.Rules = map[string]string{}
	}
	for name := range f.Rules {
		if name == "" {
			return fmt.Errorf("%w: empty rule name", ErrInvalidFile)
		}
	}
	seen := map[string]bool{}
	for i, v := range f.Schema {
		if v.Name == "" {
			return fmt.Errorf("%w: schema entry %d has no name", ErrInvalidFile, i)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: schema variable %q declared twice", ErrInvalidFile, v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

// ParseSchema converts the file's variables to a rulecache.Schema.
func (f *File) ParseSchema() (rulecache.Schema, error) {
	s := rulecache.Schema{}
	for _, v := range f.Schema {
		t, err := rulecache.ParseType(v.Type)
		if err != nil {
			return rulecache.Schema{}, fmt.Errorf("%w: variable %q: %w", ErrInvalidFile, v.Name, err)
		}
		t, err = resolveProtos(t)
		if err != nil {
			return rulecache.Schema{}, fmt.Errorf("%w: variable %q: %w", ErrInvalidFile, v.Name, err)
		}
		s.Elements = append(s.Elements, rulecache.DataElement{
			Name:        v.Name,
			Type:        t,
			Description: v.Description,
		})
	}
	return s, nil
}

// resolveProtos fills in the Message of proto types from the global registry.
func resolveProtos(t rulecache.Type) (rulecache.Type, error) {
	switch v := t.(type) {
	case rulecache.Proto:
		mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(v.Protoname))
		if err != nil {
			return nil, fmt.Errorf("finding message %s: %w", v.Protoname, err)
		}
		v.Message = mt.New().Interface()
		return v, nil
	case rulecache.List:
		vt, err := resolveProtos(v.ValueType)
		if err != nil {
			return nil, err
		}
		v.ValueType = vt
		return v, nil
	case rulecache.Map:
		vt, err := resolveProtos(v.ValueType)
		if err != nil {
			return nil, err
		}
		v.ValueType = vt
		return v, nil
	default:
		return t, nil
	}
}

// Marshal encodes a snapshot, and optionally its schema, as a rule file.
func Marshal(s *rulecache.Snapshot, schema *rulecache.Schema) ([]byte, error) {
	f := File{
		Version: s.Version(),
		Rules:   s.Entries(),
	}
	if schema != nil {
		for _, e := range schema.Elements {
			f.Schema = append(f.Schema, Variable{
				Name:        e.Name,
				Type:        e.Type.String(),
				Description: e.Description,
			})
		}
	}
	return yaml.Marshal(&f)
}

// Names returns the rule names in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Rules))
}
