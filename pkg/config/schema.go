package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema/provisioner.cue
var provisionerSchema string

// ValidationError is a schema violation with its location.
type ValidationError struct {
	// File is the declaration file the violation came from.
	File string `json:"file,omitempty"`

	// Path is the field path, e.g. "blue_green.cluster".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every violation found in a declaration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// SchemaValidator checks provisioner declarations against the embedded CUE
// schema.
type SchemaValidator struct {
	ctx         *cue.Context
	provisioner cue.Value
}

// NewSchemaValidator compiles the embedded schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(provisionerSchema, cue.Filename("provisioner.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile provisioner schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Provisioner"))
	if !def.Exists() {
		return nil, fmt.Errorf("provisioner schema has no #Provisioner definition")
	}

	return &SchemaValidator{ctx: ctx, provisioner: def}, nil
}

// Validate unifies a decoded declaration with #Provisioner. File labels the
// returned errors.
func (sv *SchemaValidator) Validate(file string, doc map[string]interface{}) error {
	data := sv.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode declaration: %w", err)
	}

	unified := sv.provisioner.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(file, err)
	}
	return nil
}

func convertCUEErrors(file string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		out = append(out, ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error()})
	}
	return out
}
