package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/obinexus/gov-clock/errors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Schema returns the JSON schema manifest documents are validated against.
func Schema() []byte {
	return bytes.Clone(schemaJSON)
}

// Format is the encoding of a manifest document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// FormatFromPath picks the document format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return 0, false
	}
}

// Decoder turns manifest documents into validated manifests.
type Decoder struct {
	// SkipSchema disables JSON schema validation. Manifest.Validate still runs.
	SkipSchema bool
}

// Decode decodes and validates a document with schema checks enabled.
func Decode(data []byte, format Format) (Manifest, error) {
	return Decoder{}.Decode(data, format)
}

// Decode decodes one manifest document.
func (d Decoder) Decode(data []byte, format Format) (Manifest, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return Manifest{}, err
	}

	if !d.SkipSchema {
		if err := validateSchema(doc); err != nil {
			return Manifest{}, err
		}
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Decoder", "Decode", "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return data, nil
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"Decoder", "Decode", "parse yaml")
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"Decoder", "Decode", "convert yaml")
		}
		return out, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: format %d", errors.ErrInvalidData, int(format)),
			"Decoder", "Decode", "select format")
	}
}

func validateSchema(doc []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "Decoder", "Decode", "compile manifest schema")
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Decoder", "Decode", "load document")
	}
	if result.Valid() {
		return nil
	}

	var b strings.Builder
	for i, desc := range result.Errors() {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", desc.Field(), desc.Description())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, b.String()),
		"Decoder", "Decode", "validate schema")
}
