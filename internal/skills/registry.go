package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
)

// Skill represents a plugin/skill that can be registered
type Skill interface {
	Name() string
	Description() string
	Version() string
	Tools() []Tool
	IsEnabled() bool
	Enable() error
	Disable() error
}

// Tool represents a tool provided by a skill
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Handler     ToolHandler            `json:"-"`
}

// ToolHandler is the function that executes a tool
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// CallRecorder observes tool executions
type CallRecorder interface {
	RecordSkillCall(tool string, success bool)
}

type userKey struct{}

// WithUserID returns a context carrying the calling user
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the calling user, or "" when none is set
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Registry manages all skills
type Registry struct {
	skills   map[string]Skill
	tools    map[string]Tool
	owner    map[string]string
	recorder CallRecorder
	mu       sync.RWMutex
}

// NewRegistry creates a new skill registry
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]Skill),
		tools:  make(map[string]Tool),
		owner:  make(map[string]string),
	}
}

// SetRecorder installs a recorder for tool calls
func (r *Registry) SetRecorder(rec CallRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Register adds a skill to the registry
func (r *Registry) Register(skill Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := skill.Name()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %s already registered", name)
	}
	for _, tool := range skill.Tools() {
		if other, exists := r.owner[tool.Name]; exists {
			return fmt.Errorf("tool %s already registered by skill %s", tool.Name, other)
		}
	}

	r.skills[name] = skill
	for _, tool := range skill.Tools() {
		r.tools[tool.Name] = tool
		r.owner[tool.Name] = name
	}

	return nil
}

// GetSkill retrieves a skill by name
func (r *Registry) GetSkill(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// GetTool retrieves a tool of an enabled skill by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	if skill := r.skills[r.owner[name]]; skill != nil && !skill.IsEnabled() {
		return Tool{}, false
	}
	return tool, true
}

// ExecuteTool executes a tool by name
func (r *Registry) ExecuteTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	tool, ok := r.GetTool(name)
	if !ok {
		return nil, apperrors.Errorf(apperrors.ErrSkillNotFound, "tool not found: %s", name)
	}

	argsMap := map[string]interface{}{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return nil, apperrors.Errorf(apperrors.ErrBadRequest, "failed to parse tool arguments: %v", err)
		}
	}

	result, err := tool.Handler(ctx, argsMap)

	r.mu.RLock()
	rec := r.recorder
	r.mu.RUnlock()
	if rec != nil {
		rec.RecordSkillCall(name, err == nil)
	}
	return result, err
}

// ListSkills returns all registered skills
func (r *Registry) ListSkills() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skills := make([]Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name() < skills[j].Name() })
	return skills
}

// ListTools returns the tools of enabled skills
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for name, tool := range r.tools {
		if skill := r.skills[r.owner[name]]; skill != nil && !skill.IsEnabled() {
			continue
		}
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// GetToolDefinitions returns tool definitions in function-calling format
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	defs := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return defs
}

// BaseSkill provides a base implementation for skills
type BaseSkill struct {
	name        string
	description string
	version     string
	enabled     bool
	tools       []Tool
}

// Name returns the skill name
func (s *BaseSkill) Name() string { return s.name }

// Description returns the skill description
func (s *BaseSkill) Description() string { return s.description }

// Version returns the skill version
func (s *BaseSkill) Version() string { return s.version }

// Tools returns the skill's tools
func (s *BaseSkill) Tools() []Tool { return s.tools }

// IsEnabled returns if the skill is enabled
func (s *BaseSkill) IsEnabled() bool { return s.enabled }

// Enable enables the skill
func (s *BaseSkill) Enable() error {
	s.enabled = true
	return nil
}

// Disable disables the skill
func (s *BaseSkill) Disable() error {
	s.enabled = false
	return nil
}

// NewBaseSkill creates a new base skill
func NewBaseSkill(name, description, version string) *BaseSkill {
	return &BaseSkill{
		name:        name,
		description: description,
		version:     version,
		enabled:     true,
		tools:       []Tool{},
	}
}

// AddTool adds a tool to the skill
func (s *BaseSkill) AddTool(tool Tool) {
	s.tools = append(s.tools, tool)
}
