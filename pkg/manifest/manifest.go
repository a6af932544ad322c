// Package manifest parses and validates pubspec package manifests.
package manifest

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Required manifest keys.
const (
	FieldName    = "name"
	FieldVersion = "version"
)

// MaxKeyLength bounds the name@version key in bytes. Keys are stored in
// varchar(191) columns, and each part also becomes a blob path segment.
const MaxKeyLength = 191

// reservedSegment is the blob store's scratch directory.
const reservedSegment = ".tmp"

// FileNames are the manifest file names recognised inside an archive.
var FileNames = []string{"pubspec.yaml", "pubspec.yml"}

var (
	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("missing field")

	// ErrInvalidManifest is returned when the manifest text is not a YAML
	// mapping or a required field holds an unusable value.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// MissingFieldError identifies the missing field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field: %s", e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// InvalidFieldError reports a field whose value cannot be stored: a name or
// version unusable as a storage key, or a value with no JSON form.
type InvalidFieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidFieldError) Unwrap() error {
	return ErrInvalidManifest
}

// Manifest is a parsed package manifest. Name and Version are the typed
// projection of the required keys; Fields holds every key of the source
// document, including name and version, as JSON-compatible values.
type Manifest struct {
	Name    string
	Version string
	Fields  map[string]any
}

// IsManifestFile reports whether an archive entry name is a manifest file.
func IsManifestFile(name string) bool {
	for _, fn := range FileNames {
		if strings.HasSuffix(name, fn) {
			return true
		}
	}
	return false
}

// Parse parses manifest text. Unknown keys are kept as-is.
func Parse(text []byte) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, &MissingFieldError{Field: FieldName}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidManifest)
	}

	m := &Manifest{
		Name:    scalarText(root, FieldName),
		Version: scalarText(root, FieldVersion),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var raw any
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	// Name and version are replaced by their source text below.
	switch t := raw.(type) {
	case map[string]any:
		delete(t, FieldName)
		delete(t, FieldVersion)
	case map[any]any:
		delete(t, FieldName)
		delete(t, FieldVersion)
	}
	normalized, err := normalize("", raw)
	if err != nil {
		return nil, err
	}
	fields, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidManifest)
	}
	m.Fields = fields

	// Store the source text of the required keys so the persisted manifest
	// agrees with the record key ("1.0" stays "1.0", not 1).
	m.Fields[FieldName] = m.Name
	m.Fields[FieldVersion] = m.Version
	return m, nil
}

// Validate checks that name and version are present and usable as keys.
func (m *Manifest) Validate() error {
	if m == nil || m.Name == "" {
		return &MissingFieldError{Field: FieldName}
	}
	if m.Version == "" {
		return &MissingFieldError{Field: FieldVersion}
	}
	if err := checkSegment(FieldName, m.Name); err != nil {
		return err
	}
	if err := checkSegment(FieldVersion, m.Version); err != nil {
		return err
	}
	if n := len(m.Name) + 1 + len(m.Version); n > MaxKeyLength {
		return &InvalidFieldError{Field: FieldName, Value: m.Name,
			Reason: fmt.Sprintf("name and version together must not exceed %d bytes, got %d", MaxKeyLength-1, n-1)}
	}
	return nil
}

// scalarText returns the trimmed source text of a scalar value under key, or
// "" when the key is absent, null or not a scalar.
func scalarText(mapping *yaml.Node, key string) string {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		k, v := mapping.Content[i], mapping.Content[i+1]
		if k.Value != key {
			continue
		}
		if v.Kind == yaml.AliasNode && v.Alias != nil {
			v = v.Alias
		}
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			return ""
		}
		return strings.TrimSpace(v.Value)
	}
	return ""
}

// checkSegment rejects values that are unsafe as a blob path segment or as
// part of a name@version document key.
func checkSegment(field, value string) error {
	if value == "." || value == ".." || value == reservedSegment {
		return &InvalidFieldError{Field: field, Value: value, Reason: "reserved path segment"}
	}
	for _, r := range value {
		switch {
		case r == '/' || r == '\\':
			return &InvalidFieldError{Field: field, Value: value, Reason: "must not contain path separators"}
		case r == '@':
			return &InvalidFieldError{Field: field, Value: value, Reason: "must not contain '@'"}
		case unicode.IsSpace(r) || unicode.IsControl(r):
			return &InvalidFieldError{Field: field, Value: value, Reason: "must not contain whitespace or control characters"}
		}
	}
	return nil
}
