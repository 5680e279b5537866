// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package recipe loads command templates from YAML and renders them with
// validated parameters. Every value passes through internal/ident for its
// declared kind before it reaches a command line.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/zyotra/storagelayer/internal/ident"
)

// Kind is the validation class of a parameter.
type Kind string

const (
	KindIdentifier Kind = "identifier"
	KindPath       Kind = "path"
	KindPort       Kind = "port"
	// KindSecret values are shell-quoted and never echoed in errors.
	KindSecret Kind = "secret"
	// KindText values are shell-quoted free text.
	KindText Kind = "text"
	// KindSQLSecret and KindSQLText values become SQL string literals
	// (quotes included) before shell quoting, for use inside statements.
	KindSQLSecret Kind = "sql-secret"
	KindSQLText   Kind = "sql-text"
)

func (k Kind) valid() bool {
	switch k {
	case KindIdentifier, KindPath, KindPort, KindSecret, KindText, KindSQLSecret, KindSQLText:
		return true
	}
	return false
}

// quoted reports whether values of k are rendered as a quoted shell word.
// Such placeholders must not sit inside shell quotes in a step.
func (k Kind) quoted() bool {
	switch k {
	case KindSecret, KindText, KindSQLSecret, KindSQLText:
		return true
	}
	return false
}

func (k Kind) secret() bool { return k == KindSecret || k == KindSQLSecret }

// Param declares one input.
type Param struct {
	Kind        Kind    `yaml:"kind"`
	Default     *string `yaml:"default,omitempty"`
	Description string  `yaml:"description,omitempty"`
}

// UnmarshalYAML accepts either a bare kind ("db: identifier") or a mapping.
func (p *Param) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	if kind, ok := v.(string); ok {
		p.Kind = Kind(kind)
		return nil
	}
	type plain Param
	return unmarshal((*plain)(p))
}

// File is a payload uploaded before the steps run.
type File struct {
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode,omitempty"`
	Content string `yaml:"content"`
}

// Recipe is a parsed recipe file.
type Recipe struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Params      map[string]Param `yaml:"params"`
	Files       []File           `yaml:"files,omitempty"`
	Steps       []string         `yaml:"steps"`
}

// RenderedFile is a file with placeholders substituted.
type RenderedFile struct {
	Path    string
	Mode    os.FileMode
	Content []byte
}

// Plan is a rendered recipe ready to execute.
type Plan struct {
	Name     string
	Files    []RenderedFile
	Commands []string
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ErrInvalidRecipe wraps structural problems found while loading.
var ErrInvalidRecipe = errors.New("invalid recipe")

// Load reads and validates a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates recipe YAML.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.UnmarshalWithOptions(data, &r, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks names, kinds and that every placeholder is declared.
func (r *Recipe) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidRecipe, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(r.Name) == "" {
		return bad("name is required")
	}
	if len(r.Steps) == 0 && len(r.Files) == 0 {
		return bad("%s: no steps", r.Name)
	}
	for name, p := range r.Params {
		if err := ident.Identifier(name); err != nil {
			return bad("parameter name %q", name)
		}
		if !p.Kind.valid() {
			return bad("parameter %s: unknown kind %q", name, p.Kind)
		}
		if p.Default != nil {
			if _, err := p.render(*p.Default, true); err != nil {
				return bad("parameter %s: default: %v", name, err)
			}
		}
	}
	check := func(where, tmpl string) error {
		for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
			if _, ok := r.Params[m[1]]; !ok {
				return bad("%s references undeclared parameter %q", where, m[1])
			}
		}
		return nil
	}
	for i, s := range r.Steps {
		if strings.TrimSpace(s) == "" {
			return bad("step %d is empty", i)
		}
		if err := check(fmt.Sprintf("step %d", i), s); err != nil {
			return err
		}
		for _, name := range quotedPlaceholders(s) {
			if k := r.Params[name].Kind; k.quoted() {
				return bad("step %d: %s parameter %q is inside shell quotes; place it outside them", i, k, name)
			}
		}
	}
	for i, f := range r.Files {
		if err := check(fmt.Sprintf("file %d path", i), f.Path); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("file %d content", i), f.Content); err != nil {
			return err
		}
		if _, err := parseMode(f.Mode); err != nil {
			return bad("file %d: %v", i, err)
		}
		// Path placeholders must be path-safe on their own.
		for _, m := range placeholder.FindAllStringSubmatch(f.Path, -1) {
			if k := r.Params[m[1]].Kind; k.quoted() {
				return bad("file %d path uses %s parameter %q", i, k, m[1])
			}
		}
	}
	return nil
}

// Render validates vars against the declared parameters and substitutes
// them. Unknown or missing parameters are errors.
func (r *Recipe) Render(vars map[string]string) (*Plan, error) {
	for name := range vars {
		if _, ok := r.Params[name]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", ident.ErrInvalid, name)
		}
	}

	shell := make(map[string]string, len(r.Params))
	raw := make(map[string]string, len(r.Params))
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := r.Params[name]
		v, ok := vars[name]
		if !ok {
			if p.Default == nil {
				return nil, fmt.Errorf("%w: missing parameter %q", ident.ErrInvalid, name)
			}
			v = *p.Default
		}
		quoted, err := p.render(v, true)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		plain, err := p.render(v, false)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		shell[name] = quoted
		raw[name] = plain
	}

	plan := &Plan{Name: r.Name}
	for _, f := range r.Files {
		mode, _ := parseMode(f.Mode)
		p := substitute(f.Path, raw)
		if err := ident.Path(p); err != nil {
			return nil, fmt.Errorf("file path: %w", err)
		}
		plan.Files = append(plan.Files, RenderedFile{Path: p, Mode: mode, Content: []byte(substitute(f.Content, raw))})
	}
	for _, s := range r.Steps {
		plan.Commands = append(plan.Commands, substitute(s, shell))
	}
	return plan, nil
}

// render validates v for the parameter's kind. In shell form, secret and
// text values are single-quoted; otherwise they are returned verbatim but
// must stay on one line.
func (p Param) render(v string, shellForm bool) (string, error) {
	switch p.Kind {
	case KindIdentifier:
		return v, ident.Identifier(v)
	case KindPath:
		return v, ident.Path(v)
	case KindPort:
		n, err := ident.Port(v)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	case KindSecret, KindText:
		if shellForm {
			q, err := ident.QuoteChecked(v)
			if err != nil {
				return "", p.hide(err)
			}
			return q, nil
		}
		if strings.ContainsAny(v, "\x00\r\n") {
			return "", fmt.Errorf("%w: multi-line value not allowed in files", ident.ErrInvalid)
		}
		return v, nil
	case KindSQLSecret, KindSQLText:
		lit, err := ident.SQLString(v)
		if err != nil {
			return "", p.hide(err)
		}
		if !shellForm {
			return lit, nil
		}
		q, err := ident.QuoteChecked(lit)
		if err != nil {
			return "", p.hide(err)
		}
		return q, nil
	}
	return "", fmt.Errorf("unknown kind %q", p.Kind)
}

// hide replaces err for secret parameters so the value never reaches an
// error message.
func (p Param) hide(err error) error {
	if p.Kind.secret() {
		return fmt.Errorf("%w: secret contains a forbidden character", ident.ErrInvalid)
	}
	return err
}

// quotedPlaceholders returns the names of placeholders in step that sit
// inside a single- or double-quoted shell string.
func quotedPlaceholders(step string) []string {
	var out []string
	matches := placeholder.FindAllStringSubmatchIndex(step, -1)
	var quote byte
	for i, m := 0, 0; i < len(step); i++ {
		for m < len(matches) && matches[m][0] < i {
			m++
		}
		if m < len(matches) && i == matches[m][0] {
			if quote != 0 {
				out = append(out, step[matches[m][2]:matches[m][3]])
			}
			i = matches[m][1] - 1
			m++
			continue
		}
		c := step[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			}
		case c == '\\':
			i++
		case quote == '"':
			if c == '"' {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		}
	}
	return out
}

func substitute(tmpl string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return values[name]
	})
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o600, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid file mode %q", s)
	}
	return os.FileMode(n), nil
}

// Secrets returns the rendered values of secret parameters, for callers
// that need to scrub them from output.
func (r *Recipe) Secrets(vars map[string]string) []string {
	var out []string
	for name, p := range r.Params {
		if !p.Kind.secret() {
			continue
		}
		if v, ok := vars[name]; ok && v != "" {
			out = append(out, v)
		} else if p.Default != nil && *p.Default != "" {
			out = append(out, *p.Default)
		}
	}
	slices.Sort(out)
	return out
}
