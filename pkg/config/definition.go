package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/labforge/pkg/engine"
	"gopkg.in/yaml.v3"
)

// LabDefinition is a lab as written by a user, before defaults are applied.
type LabDefinition struct {
	Name           string              `json:"name" yaml:"name" validate:"required,max=128"`
	Description    string              `json:"description,omitempty" yaml:"description,omitempty"`
	Provider       engine.ProviderKind `json:"provider" yaml:"provider" validate:"required,oneof=vps local"`
	ProviderConfig map[string]string   `json:"provider_config,omitempty" yaml:"provider_config,omitempty"`
	Machines       []MachineDefinition `json:"machines" yaml:"machines" validate:"unique=Name,dive"`
}

// MachineDefinition is one machine of a LabDefinition. Zero sizing fields
// and empty strings take the lab service defaults.
type MachineDefinition struct {
	Name          string   `json:"name" yaml:"name" validate:"required,max=63"`
	OS            string   `json:"os,omitempty" yaml:"os,omitempty"`
	Role          string   `json:"role,omitempty" yaml:"role,omitempty"`
	CPU           int      `json:"cpu,omitempty" yaml:"cpu,omitempty" validate:"gte=0"`
	RAM           int      `json:"ram,omitempty" yaml:"ram,omitempty" validate:"gte=0"`
	Storage       int      `json:"storage,omitempty" yaml:"storage,omitempty" validate:"gte=0"`
	Software      []string `json:"software,omitempty" yaml:"software,omitempty"`
	CustomBundles []string `json:"custom_bundles,omitempty" yaml:"custom_bundles,omitempty"`
}

// ValidationError locates one problem in a definition.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is the error returned for an invalid definition.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// Format is the encoding of a lab definition.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported lab definition format: %s", path)
	}
}

// Parser loads lab definitions and checks them against the #Lab schema and
// the struct validation tags.
type Parser struct {
	ctx      *cue.Context
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewParser creates a parser with the built-in schemas.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:      ctx,
		schemas:  NewSchemaRegistry(ctx),
		validate: validator.New(),
	}
}

// Schemas returns the schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// LoadFile reads and validates the definition at path.
func (p *Parser) LoadFile(path string) (*LabDefinition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, engine.NewConfigurationError(err.Error(), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lab definition: %w", err)
	}
	return p.Parse(data, format, path)
}

// Parse decodes and validates a definition. A CUE source may hold the lab
// at the top level or under a "lab" field. Invalid input yields a
// configuration error wrapping ValidationErrors.
func (p *Parser) Parse(data []byte, format Format, filename string) (*LabDefinition, error) {
	def, errs := p.parse(data, format, filename)
	if len(errs) == 0 {
		errs = p.Validate(def)
	}
	if len(errs) > 0 {
		return nil, engine.NewConfigurationError("invalid lab definition", errs).WithResource(filename)
	}
	return def, nil
}

func (p *Parser) parse(data []byte, format Format, filename string) (*LabDefinition, ValidationErrors) {
	var val cue.Value

	switch format {
	case FormatCUE:
		val = p.ctx.CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(err, filename)
		}
		if nested := val.LookupPath(cue.ParsePath("lab")); nested.Exists() {
			val = nested
		}

	case FormatYAML, FormatJSON:
		def := &LabDefinition{}
		if err := decodeStrict(data, format, def); err != nil {
			return nil, ValidationErrors{{File: filename, Message: err.Error()}}
		}
		if def.Machines == nil {
			def.Machines = []MachineDefinition{}
		}
		val = p.ctx.Encode(def)
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(err, filename)
		}

	default:
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("unsupported format %q", format)}}
	}

	lab, err := p.schemas.Check("lab", "#Lab", val)
	if err != nil {
		errs := convertCUEErrors(err, filename)
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = filename
			}
		}
		return nil, errs
	}

	def := &LabDefinition{}
	if err := lab.Decode(def); err != nil {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to decode lab: %v", err)}}
	}
	return def, nil
}

// Validate applies the struct validation tags.
func (p *Parser) Validate(def *LabDefinition) ValidationErrors {
	err := p.validate.Struct(def)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: strings.TrimPrefix(fe.Namespace(), "LabDefinition."), Message: msg})
	}
	return out
}

func decodeStrict(data []byte, format Format, v interface{}) error {
	if format == FormatJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// convertCUEErrors flattens a CUE error list, preferring positions inside
// filename over positions in the schema.
func convertCUEErrors(err error, filename string) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		positions := cueerrors.Positions(e)
		for i, pos := range positions {
			if i == 0 || pos.Filename() == filename {
				ve.File = pos.Filename()
				ve.Line = pos.Line()
				ve.Column = pos.Column()
			}
			if pos.Filename() == filename {
				break
			}
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
