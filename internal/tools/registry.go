// Package tools holds the callable tools, their risk tiers, and the executor that runs them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Definition declares a tool. RiskTier is fixed at registration.
type Definition struct {
	Name        string
	Description string
	Category    string
	Parameters  json.RawMessage
	RiskTier    domain.RiskTier
	Timeout     time.Duration
}

// Call is one invocation handed to a tool.
type Call struct {
	Args    json.RawMessage
	Context domain.ToolExecutionContext
}

// Output is what a tool returns on success.
type Output struct {
	Result    json.RawMessage
	Artifacts []domain.ToolArtifact
}

// Tool is a callable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, call Call) (Output, error)
}

// ApprovalSummarizer is implemented by tools that describe a pending call for reviewers.
type ApprovalSummarizer interface {
	Summarize(args json.RawMessage) string
}

// ExecutorFunc defines a tool body.
type ExecutorFunc func(ctx context.Context, call Call) (Output, error)

type funcTool struct {
	def Definition
	fn  ExecutorFunc
}

// NewFunc adapts a function to Tool.
func NewFunc(def Definition, fn ExecutorFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() Definition { return t.def }

func (t *funcTool) Execute(ctx context.Context, call Call) (Output, error) {
	return t.fn(ctx, call)
}

type summarizedTool struct {
	Tool
	summarize func(json.RawMessage) string
}

func (t *summarizedTool) Summarize(args json.RawMessage) string { return t.summarize(args) }

// WithSummary gives a tool an approval summary.
func WithSummary(t Tool, fn func(args json.RawMessage) string) Tool {
	return &summarizedTool{Tool: t, summarize: fn}
}

type entry struct {
	tool   Tool
	def    Definition
	schema *jsonschema.Schema
}

// Registry stores tools keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a tool. The parameter schema is compiled once here.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is required")
	}
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if _, err := domain.ParseRiskTier(string(def.RiskTier)); err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.entries[def.Name] = &entry{tool: t, def: def, schema: schema}
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	resourceURL := (&url.URL{Scheme: "https", Host: "agentrun.local", Path: "/tools/" + name + ".json"}).String()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema for tool %s: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
	}
	return compiled, nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Definition returns the declaration of a registered tool.
func (r *Registry) Definition(name string) (Definition, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List describes every registered tool.
func (r *Registry) List() []domain.ToolDescriptor {
	names := r.Names()
	out := make([]domain.ToolDescriptor, 0, len(names))
	for _, name := range names {
		def, ok := r.Definition(name)
		if !ok {
			continue
		}
		out = append(out, describe(def))
	}
	return out
}

func describe(def Definition) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:             def.Name,
		Description:      def.Description,
		Category:         def.Category,
		Parameters:       def.Parameters,
		RiskTier:         def.RiskTier,
		RequiresApproval: def.RiskTier.RequiresApproval(),
		TimeoutMs:        def.Timeout.Milliseconds(),
	}
}

// Validate checks arguments against the tool's parameter schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	if err := e.schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidArguments, verr.Error())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	return nil
}

// Summarize describes a pending call for an approval reviewer.
func (r *Registry) Summarize(name string, args json.RawMessage) string {
	e, ok := r.lookup(name)
	if !ok {
		return ""
	}
	if s, ok := e.tool.(ApprovalSummarizer); ok {
		if summary := s.Summarize(args); summary != "" {
			return summary
		}
	}
	return fmt.Sprintf("%s (%s risk) with arguments %s", name, e.def.RiskTier, compactArgs(args))
}

func compactArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		return string(args)
	}
	return buf.String()
}
