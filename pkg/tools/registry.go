package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/concierge/internal/tracing"
)

var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrValidation        = errors.New("invalid tool arguments")
	ErrMissingTier       = errors.New("missing or invalid trust tier")
	ErrInvalidDefinition = errors.New("invalid tool definition")
	ErrDuplicateTool     = errors.New("tool already registered")
	ErrExecutorTimeout   = errors.New("tool execution timed out")
	ErrExecutorFailed    = errors.New("tool execution failed")
)

// DefaultTimeout bounds an executor when neither the definition nor the
// registry sets one.
const DefaultTimeout = 30 * time.Second

const (
	maxOutputSize         = 10 * 1024
	defaultPreviewMaxSize = 200
)

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
}

// Executor runs a tool for a tenant. Executors must tolerate being invoked
// more than once for the same logical operation.
type Executor func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error)

// PreviewFunc renders a human readable summary of what a call would do.
type PreviewFunc func(payload map[string]interface{}) string

// Definition is a tool as registered with the Registry.
type Definition struct {
	Name        string
	Description string
	Tier        TrustTier
	Parameters  []Parameter
	Executor    Executor
	Preview     PreviewFunc
	// Timeout overrides the registry default for this tool.
	Timeout time.Duration
}

// Schema is what the language model sees. The trust tier is internal and
// never part of it.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Result is the outcome of one executor invocation.
type Result struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// LateResult reports an executor that finished after its timeout fired.
type LateResult struct {
	ToolName string
	TenantID string
	Output   interface{}
	Err      error
	Duration time.Duration
}

// LateResultFunc is called from the executor goroutine.
type LateResultFunc func(ctx context.Context, late LateResult)

type entry struct {
	def       Definition
	schema    *gojsonschema.Schema
	schemaMap map[string]interface{}
}

// Registry maps tool names to tier, schema and executor.
type Registry struct {
	tools          map[string]*entry
	defaultTimeout time.Duration
	onLate         LateResultFunc
	mu             sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the executor timeout used when a definition has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLateResultHandler sets the registry-wide late result callback.
func WithLateResultHandler(fn LateResultFunc) Option {
	return func(r *Registry) { r.onLate = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:          make(map[string]*entry),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates def, compiles its schema and adds it.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	schemaMap := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("%w: %s: schema: %v", ErrInvalidDefinition, def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = &entry{def: def, schema: schema, schemaMap: schemaMap}

	log.Info().Str("tool", def.Name).Str("tier", def.Tier.String()).Msg("Tool registered")
	return nil
}

// MustRegister is Register for static tool tables; it panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: tool name cannot be empty", ErrInvalidDefinition)
	}
	if def.Description == "" {
		return fmt.Errorf("%w: %s: description cannot be empty", ErrInvalidDefinition, def.Name)
	}
	if !def.Tier.Valid() {
		return fmt.Errorf("%w: %s", ErrMissingTier, def.Name)
	}
	if def.Executor == nil {
		return fmt.Errorf("%w: %s: executor cannot be nil", ErrInvalidDefinition, def.Name)
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %s: parameter name cannot be empty", ErrInvalidDefinition, def.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %s", ErrInvalidDefinition, def.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("%w: %s: parameter description cannot be empty for %s", ErrInvalidDefinition, def.Name, p.Name)
		}
		if !validParameterTypes[p.Type] {
			return fmt.Errorf("%w: %s: invalid parameter type %q for %s", ErrInvalidDefinition, def.Name, p.Type, p.Name)
		}
	}
	return nil
}

func buildSchema(def Definition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Tier returns the registered trust tier for name.
func (r *Registry) Tier(name string) (TrustTier, error) {
	def, ok := r.Get(name)
	if !ok {
		return tierUnset, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return def.Tier, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns model-facing schemas for every tool, sorted by name.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, Schema{
			Name:        e.def.Name,
			Description: e.def.Description,
			InputSchema: e.schemaMap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks payload against the tool's schema.
func (r *Registry) Validate(name string, payload map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return validatePayload(e.schema, payload)
}

func validatePayload(schema *gojsonschema.Schema, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}

// Preview renders the tool's preview, or a generic one.
func (r *Registry) Preview(name string, payload map[string]interface{}) string {
	def, ok := r.Get(name)
	if ok && def.Preview != nil {
		return def.Preview(payload)
	}
	return DefaultPreview(name, payload)
}

// DefaultPreview renders "name(key=value, ...)" with keys sorted.
func DefaultPreview(name string, payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", payload[k])
		if r := []rune(v); len(r) > defaultPreviewMaxSize {
			v = string(r[:defaultPreviewMaxSize]) + "…"
		}
		parts = append(parts, k+"="+v)
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// SummarizePayload renders payload as compact JSON for audit records.
func SummarizePayload(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return "{}"
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(b)
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execConfig)

type execConfig struct {
	timeout time.Duration
	onLate  LateResultFunc
}

// WithTimeout overrides the executor timeout for one call.
func WithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// OnLateResult sets a callback for a completion observed after the timeout.
func OnLateResult(fn LateResultFunc) ExecOption {
	return func(c *execConfig) { c.onLate = fn }
}

// Execute validates payload and runs the executor under a timeout. The
// executor runs on a context detached from ctx's cancellation: a caller that
// goes away does not abort a write in flight. On timeout Execute returns
// with ErrExecutorTimeout while the executor keeps running; its eventual
// outcome is passed to the late result callback.
func (r *Registry) Execute(ctx context.Context, name, tenantID string, payload map[string]interface{}, opts ...ExecOption) Result {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.tools[name]
	onLate := r.onLate
	timeout := r.defaultTimeout
	r.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, name)
		return Result{Error: err.Error(), Err: err}
	}
	if err := validatePayload(e.schema, payload); err != nil {
		return Result{Error: err.Error(), Err: err}
	}

	if e.def.Timeout > 0 {
		timeout = e.def.Timeout
	}
	cfg := execConfig{timeout: timeout, onLate: onLate}
	for _, opt := range opts {
		opt(&cfg)
	}

	execCtx, cancel := context.WithTimeout(tracing.Detach(ctx), cfg.timeout)

	type outcome struct {
		out interface{}
		err error
	}
	done := make(chan outcome, 1)

	// state is 0 while running, 1 once the result was handed to the caller
	// and 2 once the caller gave up waiting.
	var mu sync.Mutex
	state := 0

	go func() {
		defer cancel()
		var o outcome
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o = outcome{err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			o.out, o.err = e.def.Executor(execCtx, tenantID, payload)
		}()

		mu.Lock()
		abandoned := state == 2
		if !abandoned {
			state = 1
		}
		mu.Unlock()

		if !abandoned {
			done <- o
			return
		}

		late := LateResult{
			ToolName: name,
			TenantID: tenantID,
			Output:   o.out,
			Err:      o.err,
			Duration: time.Since(start),
		}
		log.Warn().
			Str("tool", name).
			Str("tenant_id", tenantID).
			Dur("duration", late.Duration).
			Bool("success", o.err == nil).
			Msg("Tool finished after timeout")
		if cfg.onLate != nil {
			cfg.onLate(tracing.Detach(ctx), late)
		}
	}()

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-done:
	case <-timer.C:
		mu.Lock()
		finished := state == 1
		if !finished {
			state = 2
		}
		mu.Unlock()

		if !finished {
			duration := time.Since(start)
			err := fmt.Errorf("%w: %s after %v", ErrExecutorTimeout, name, cfg.timeout)
			log.Error().Str("tool", name).Dur("duration", duration).Msg("Tool execution timeout")
			return Result{Error: err.Error(), Err: err, TimedOut: true, Duration: duration}
		}
		o = <-done
	}

	duration := time.Since(start)
	if o.err != nil {
		err := fmt.Errorf("%w: %s: %w", ErrExecutorFailed, name, o.err)
		log.Debug().Str("tool", name).Dur("duration", duration).Err(o.err).Msg("Tool execution failed")
		return Result{Error: o.err.Error(), Err: err, Duration: duration}
	}
	output, truncated := truncateOutput(o.out)
	return Result{Success: true, Output: output, Truncated: truncated, Duration: duration}
}

func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		if b, err := json.Marshal(output); err == nil {
			if len(b) <= maxOutputSize {
				return output, false
			}
			str = string(b)
		} else {
			str = fmt.Sprintf("%v", output)
		}
	}
	if len(str) <= maxOutputSize {
		return output, false
	}
	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + "\n... [output truncated]", true
}
