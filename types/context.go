package types

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Reserved keys of the legacy flat parameter map. Every other key is passed
// through to the framework as a framework parameter.
const (
	ParamFramework   = "framework"
	ParamProjectPath = "projectPath"
	ParamSuite       = "suite"
	ParamClass       = "class"
	ParamMethod      = "method"
)

var reservedParams = []string{ParamFramework, ParamProjectPath, ParamSuite, ParamClass, ParamMethod}

// TestScope selects what to run inside a project. Empty fields widen the
// scope: no method runs the whole class, no class runs the whole suite, and
// an empty scope runs everything the framework finds in the project.
type TestScope struct {
	Suite  string `json:"suite,omitempty"`
	Class  string `json:"class,omitempty"`
	Method string `json:"method,omitempty"`
}

// IsEmpty reports whether the scope selects the whole project
func (s TestScope) IsEmpty() bool {
	return s.Suite == "" && s.Class == "" && s.Method == ""
}

// String returns a compact label such as "suite/Class#method"
func (s TestScope) String() string {
	var b strings.Builder
	b.WriteString(s.Suite)
	if s.Class != "" {
		if b.Len() > 0 {
			b.WriteString("/")
		}
		b.WriteString(s.Class)
	}
	if s.Method != "" {
		b.WriteString("#")
		b.WriteString(s.Method)
	}
	if b.Len() == 0 {
		return "(all)"
	}
	return b.String()
}

// TestExecutionContext describes a single request to run tests.
// It is created by the caller and consumed once by a runner.
type TestExecutionContext struct {
	ProjectPath string            `json:"projectPath"`
	Framework   string            `json:"framework"`
	Scope       TestScope         `json:"scope"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Validate checks the fields every runner relies on
func (c TestExecutionContext) Validate() error {
	if strings.TrimSpace(c.Framework) == "" {
		return NewInvalidContextError("test framework name is required")
	}
	if strings.TrimSpace(c.ProjectPath) == "" {
		return NewInvalidContextError("project path is required")
	}
	if c.Scope.Method != "" && c.Scope.Class == "" && c.Scope.Suite == "" {
		return NewInvalidContextError("a test method requires a class or suite")
	}
	for _, key := range c.ParamKeys() {
		if isReservedParam(key) {
			return NewInvalidContextError(fmt.Sprintf("parameter %q is reserved", key))
		}
	}
	return nil
}

// Clone returns a deep copy so the caller can no longer mutate the
// parameters seen by a runner.
func (c TestExecutionContext) Clone() TestExecutionContext {
	out := c
	if c.Parameters != nil {
		out.Parameters = maps.Clone(c.Parameters)
	}
	return out
}

// Param returns a framework parameter, or def when it is not set
func (c TestExecutionContext) Param(key, def string) string {
	if v, ok := c.Parameters[key]; ok {
		return v
	}
	return def
}

// ParamKeys returns the framework parameter keys in sorted order
func (c TestExecutionContext) ParamKeys() []string {
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToParameters flattens the context into the legacy parameter map. Context
// fields overwrite framework parameters with a reserved key; Validate
// rejects such parameters.
func (c TestExecutionContext) ToParameters() map[string]string {
	params := make(map[string]string, len(c.Parameters)+len(reservedParams))
	for k, v := range c.Parameters {
		params[k] = v
	}
	setIfNotEmpty(params, ParamFramework, c.Framework)
	setIfNotEmpty(params, ParamProjectPath, c.ProjectPath)
	setIfNotEmpty(params, ParamSuite, c.Scope.Suite)
	setIfNotEmpty(params, ParamClass, c.Scope.Class)
	setIfNotEmpty(params, ParamMethod, c.Scope.Method)
	return params
}

// ContextFromParameters builds a context from the legacy parameter map.
// Reserved keys populate the context fields; the rest become framework
// parameters.
func ContextFromParameters(params map[string]string) TestExecutionContext {
	ctx := TestExecutionContext{
		Framework:   params[ParamFramework],
		ProjectPath: params[ParamProjectPath],
		Scope: TestScope{
			Suite:  params[ParamSuite],
			Class:  params[ParamClass],
			Method: params[ParamMethod],
		},
	}
	for k, v := range params {
		if isReservedParam(k) {
			continue
		}
		if ctx.Parameters == nil {
			ctx.Parameters = make(map[string]string)
		}
		ctx.Parameters[k] = v
	}
	return ctx
}

func isReservedParam(key string) bool {
	for _, r := range reservedParams {
		if r == key {
			return true
		}
	}
	return false
}

func setIfNotEmpty(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
