package config

import (
	"fmt"
	"strings"
	"time"
)

// Manifest is a deployment described in CUE.
//
//	deployment: {
//		name:     "install-terminal"
//		method:   "ssh"
//		template: "install_terminal.sh"
//		tags:     ["web"]
//		variables: font_name: "Victor Mono"
//	}
type Manifest struct {
	// Name is the deployment name.
	Name string `json:"name" validate:"required"`

	// Description is free text shown in listings.
	Description string `json:"description,omitempty"`

	// Method selects the transport.
	Method string `json:"method" validate:"required"`

	// Template names a script in the template store. Exclusive with Script.
	Template string `json:"template,omitempty" validate:"required_without=Script,excluded_with=Script"`

	// Script is an inline script template. Exclusive with Template.
	Script string `json:"script,omitempty"`

	// Targets lists target IDs explicitly.
	Targets []string `json:"targets,omitempty" validate:"required_without=Tags,dive,required"`

	// Tags selects every target carrying any of the tags.
	Tags []string `json:"tags,omitempty" validate:"dive,required"`

	// Variables are bound into the script template.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// VariablesScript is Starlark evaluated with Variables as predeclared
	// names. Its public globals are merged over Variables.
	VariablesScript string `json:"variables_script,omitempty"`

	// ParallelLimit caps concurrently running tasks; zero uses the default.
	ParallelLimit int `json:"parallel_limit,omitempty" validate:"gte=0"`

	// TimeoutSeconds is the per-task timeout; zero uses the default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"gte=0"`

	// MaxRetries bounds retries of transient failures when retry is enabled.
	// Unset uses the engine default; zero disables retries.
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0"`

	// Source is the file the manifest was read from.
	Source string `json:"-"`
}

// ValidationError describes one problem found in a manifest.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
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

// ManifestError collects every problem found while loading a manifest.
type ManifestError struct {
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid manifest: " + e.Errors[0].String()
	}
	lines := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		lines = append(lines, "  "+ve.String())
	}
	return fmt.Sprintf("invalid manifest (%d errors):\n%s", len(e.Errors), strings.Join(lines, "\n"))
}

// StarlarkResult is the outcome of a variables script.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{}

	// Steps is the number of Starlark execution steps taken.
	Steps uint64

	// ExecutionTime is the wall-clock time spent evaluating.
	ExecutionTime time.Duration
}
