package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolErrorPrefix marks a tool_result produced from a thrown error.
const toolErrorPrefix = "执行错误: "

// ToolContext carries per-run metadata into tool executions. The cancel
// token travels as the context passed to Execute.
type ToolContext struct {
	WorkspaceDir string
	SessionKey   string
	AgentID      string
	Metadata     map[string]any
}

// Tool is an executable capability offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Execute     func(ctx context.Context, input map[string]any, tc ToolContext) (string, error)
}

// ToolRegistry holds the tools for a runtime and validates inputs against
// each tool's JSON Schema before execution.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a tool. An invalid schema is an error; a nil
// schema skips validation for that tool.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", tool.Name)
	}

	var schema *jsonschema.Schema
	if tool.InputSchema != nil {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := tool.Name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		schema, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.schemas[tool.Name] = schema
	return nil
}

// Specs returns provider-facing tool descriptions in registration order.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return specs
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool call. Unknown tools, schema violations, panics,
// and returned errors all come back as err; the loop converts err into a
// tool_result string so failures never abort the run.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall, tc ToolContext) (result string, err error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}

	input := call.Arguments
	if input == nil {
		input = map[string]any{}
	}
	if schema != nil {
		// Round-trip through JSON so validation sees canonical types.
		raw, merr := json.Marshal(input)
		if merr != nil {
			return "", fmt.Errorf("tool %s input: %w", call.Name, merr)
		}
		var doc any
		if uerr := json.Unmarshal(raw, &doc); uerr != nil {
			return "", fmt.Errorf("tool %s input: %w", call.Name, uerr)
		}
		if verr := schema.Validate(doc); verr != nil {
			return "", fmt.Errorf("tool %s input invalid: %w", call.Name, verr)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, rec)
		}
	}()
	return tool.Execute(ctx, input, tc)
}
