package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// manifestSchema closes the deployment struct so typos are reported.
const manifestSchema = `
#Deployment: {
	name:              string & !=""
	description?:      string
	method:            "ssh" | "ansible" | "puppet" | "chef" | "powershell" | "local_script"
	template?:         string & !=""
	script?:           string & !=""
	targets?:          [...string & !=""]
	tags?:             [...string & !=""]
	variables?:        {[string]: _}
	variables_script?: string
	parallel_limit?:   int & >=1
	timeout_seconds?:  int & >=1
	max_retries?:      int & >=0
}

deployment: #Deployment
`

// TemplateSource looks up named script templates.
type TemplateSource interface {
	Get(name string) (string, error)
}

// TargetSelector resolves tag selections to targets.
type TargetSelector interface {
	ListTargetsByTags(ctx context.Context, tags []string) ([]*engine.Target, error)
}

// ManifestParser loads CUE deployment manifests.
type ManifestParser struct {
	ctx       *cue.Context
	schema    cue.Value
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewManifestParser creates a parser. logger receives print() output from
// variables scripts at debug level.
func NewManifestParser(logger zerolog.Logger) *ManifestParser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(manifestSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("manifest schema does not compile: %v", err))
	}
	return &ManifestParser{
		ctx:       ctx,
		schema:    schema,
		starlark:  NewStarlarkEvaluator(30*time.Second, logger),
		validator: validator.New(),
	}
}

// ParseFile reads and parses a manifest file.
func (p *ManifestParser) ParseFile(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return p.Parse(path, src)
}

// Parse parses CUE source into a manifest. Errors are a *ManifestError
// carrying every problem CUE or the validator found.
func (p *ManifestParser) Parse(filename string, src []byte) (*Manifest, error) {
	val := p.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ManifestError{Errors: convertCUEErrors(err)}
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ManifestError{Errors: convertCUEErrors(err)}
	}

	var m Manifest
	if err := unified.LookupPath(cue.ParsePath("deployment")).Decode(&m); err != nil {
		return nil, &ManifestError{Errors: []ValidationError{{
			File:    filename,
			Path:    "deployment",
			Message: err.Error(),
		}}}
	}
	m.Source = filename

	if err := p.validator.Struct(&m); err != nil {
		return nil, &ManifestError{Errors: convertValidatorErrors(filename, err)}
	}
	return &m, nil
}

// ResolveVariables returns the manifest's variables with the variables
// script's globals merged over them.
func (p *ManifestParser) ResolveVariables(ctx context.Context, m *Manifest) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(m.Variables))
	for k, v := range m.Variables {
		vars[k] = v
	}
	if m.VariablesScript == "" {
		return vars, nil
	}

	result, err := p.starlark.Evaluate(ctx, m.Source+":variables_script", m.VariablesScript, m.Variables)
	if err != nil {
		return nil, err
	}
	for k, v := range result.Output {
		vars[k] = v
	}
	return vars, nil
}

// BuildSpec turns a manifest into a deployment request. Defaults fill any
// zero parallel limit or timeout.
func (p *ManifestParser) BuildSpec(ctx context.Context, m *Manifest, templates TemplateSource, targets TargetSelector, defaults EngineSettings) (engine.DeploymentSpec, error) {
	script := m.Script
	if m.Template != "" {
		if templates == nil {
			return engine.DeploymentSpec{}, fmt.Errorf("manifest references template %q but no template store is configured", m.Template)
		}
		content, err := templates.Get(m.Template)
		if err != nil {
			return engine.DeploymentSpec{}, err
		}
		script = content
	}

	targetIDs := append([]string(nil), m.Targets...)
	if len(m.Tags) > 0 {
		if targets == nil {
			return engine.DeploymentSpec{}, fmt.Errorf("manifest selects tags but no target registry is configured")
		}
		selected, err := targets.ListTargetsByTags(ctx, m.Tags)
		if err != nil {
			return engine.DeploymentSpec{}, err
		}
		seen := make(map[string]bool, len(targetIDs))
		for _, id := range targetIDs {
			seen[id] = true
		}
		for _, t := range selected {
			if !seen[t.ID] {
				targetIDs = append(targetIDs, t.ID)
				seen[t.ID] = true
			}
		}
	}
	if len(targetIDs) == 0 {
		return engine.DeploymentSpec{}, engine.NewPermanentError(
			fmt.Sprintf("manifest %s selects no targets", m.Name), nil).WithCode(engine.ErrCodeValidation)
	}

	vars, err := p.ResolveVariables(ctx, m)
	if err != nil {
		return engine.DeploymentSpec{}, err
	}

	spec := engine.DeploymentSpec{
		Name:           m.Name,
		Description:    m.Description,
		TargetIDs:      targetIDs,
		Method:         engine.Method(m.Method),
		ScriptTemplate: script,
		Variables:      vars,
		TimeoutSeconds: m.TimeoutSeconds,
		ParallelLimit:  m.ParallelLimit,
		MaxRetries:     m.MaxRetries,
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if spec.ParallelLimit == 0 {
		spec.ParallelLimit = defaults.ParallelLimit
	}
	return spec, nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    pathString(e.Path()),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func pathString(parts []string) string {
	return strings.Join(parts, ".")
}

func convertValidatorErrors(filename string, err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{File: filename, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:    filename,
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		})
	}
	return out
}
