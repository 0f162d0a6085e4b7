package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Parser loads and validates run configurations written in CUE. Validation
// happens in three layers: CUE compilation, unification with the embedded
// run schema, and struct-tag validation of the decoded Go value.
type Parser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewParser creates a run configuration parser.
func NewParser() *Parser {
	return &Parser{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads a run configuration from a CUE file. The file must carry a
// top-level `run` struct. Defaults are applied before the user's values.
func (p *Parser) Load(path string) (*LoadResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return p.parse(string(content), path)
}

// LoadInline parses run configuration from an inline CUE string.
func (p *Parser) LoadInline(content string) (*LoadResult, error) {
	return p.parse(content, "inline")
}

func (p *Parser) parse(content, sourceFile string) (*LoadResult, error) {
	result := &LoadResult{
		SourceFile: sourceFile,
		ParsedAt:   time.Now(),
	}

	val := p.ctx.CompileString(content, cue.Filename(sourceFile))
	if err := val.Err(); err != nil {
		result.Errors = convertCUEErrors(err)
		return result, nil
	}

	runVal := val.LookupPath(cue.ParsePath("run"))
	if !runVal.Exists() {
		result.Errors = append(result.Errors, ValidationError{
			File:    sourceFile,
			Path:    "run",
			Message: "configuration must define a top-level run struct",
		})
		return result, nil
	}

	// Schema unification catches shape and range errors with CUE positions.
	schema, ok := p.schemas.GetSchema("run")
	if !ok {
		return nil, fmt.Errorf("run schema not registered")
	}
	unified := schema.Unify(runVal)
	if err := unified.Validate(); err != nil {
		result.Errors = convertCUEErrors(err)
		return result, nil
	}

	cfg := DefaultRunConfig()
	if err := runVal.Decode(&cfg); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			File:    sourceFile,
			Path:    "run",
			Message: fmt.Sprintf("failed to decode run config: %v", err),
		})
		return result, nil
	}

	if err := p.validator.Struct(cfg); err != nil {
		result.Errors = append(result.Errors, convertValidatorErrors(err)...)
		return result, nil
	}

	result.Config = &cfg
	return result, nil
}

// MustLoad is Load for callers that treat any config problem as fatal. It
// folds validation errors into the returned error.
func (p *Parser) MustLoad(path string) (*RunConfig, error) {
	result, err := p.Load(path)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("invalid configuration %s: %s", path, result.Errors[0].Message)
	}
	return result.Config, nil
}

// convertCUEErrors flattens a CUE error into located validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message: e.Error(),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
		}
		out = append(out, ve)
	}

	return out
}

// convertValidatorErrors maps struct-tag failures onto validation errors.
func convertValidatorErrors(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()),
		})
	}
	return out
}
