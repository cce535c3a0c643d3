// Package agents resolves and runs the step executors that turn a composed
// task into text output.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Task is one unit of work handed to a step executor.
type Task struct {
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output"`
	Context        string `json:"context,omitempty"`
}

// StepExecutor produces the text output of a step. Implementations report
// failures as *schema.FlowError with TRANSIENT_ERROR, RATE_LIMITED (optionally
// with a retry-after hint) or a fatal code.
type StepExecutor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

// Execute implements StepExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// Role describes the persona an executor adopts for a step kind.
type Role struct {
	Name      string
	Goal      string
	Backstory string
}

// RoleFor returns the persona for kind. Unknown kinds get the research persona.
func RoleFor(kind schema.StepKind, now time.Time) Role {
	switch kind {
	case schema.StepKindQualify:
		return Role{
			Name:      "Qualifier",
			Goal:      "Evaluate fit using provided research and simple criteria.",
			Backstory: "Scores leads and explains why.",
		}
	case schema.StepKindOutreach:
		return Role{
			Name:      "Outreach Writer",
			Goal:      "Draft a concise, personalized outreach based on context.",
			Backstory: "B2B writer. Clear, specific, no fluff.",
		}
	default:
		date := now.Format("January 2, 2006")
		return Role{
			Name: "Research Analyst",
			Goal: fmt.Sprintf("Find factual company information using provided website and news sources. "+
				"Today is %s. Skip blocked URLs immediately; cite every claim.", date),
			Backstory: fmt.Sprintf("You favour primary sources and recent information (current date: %s). "+
				"If a URL returns 401/403 you skip it.", date),
		}
	}
}

// SystemPrompt renders the role as a system message.
func (r Role) SystemPrompt() string {
	return fmt.Sprintf("You are a %s.\nGoal: %s\nBackground: %s", r.Name, r.Goal, r.Backstory)
}

// UserPrompt renders task as the user message sent to a model.
func UserPrompt(task Task) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if task.Context != "" {
		b.WriteString("\n\nCONTEXT (if any):\n")
		b.WriteString(task.Context)
	}
	if task.ExpectedOutput != "" {
		b.WriteString("\n\nEXPECTED OUTPUT:\n")
		b.WriteString(task.ExpectedOutput)
	}
	return b.String()
}

// Factory builds the executor for a step kind.
type Factory func(kind schema.StepKind) (StepExecutor, error)

// Registry maps step kinds to executor factories. Kinds without a factory fall
// back to the research factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[schema.StepKind]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[schema.StepKind]Factory)}
}

// Register adds a factory for kind. Returns error on duplicate kind.
func (r *Registry) Register(kind schema.StepKind, f Factory) error {
	if f == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor factory is nil")
	}
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// RegisterAll registers f for every known step kind.
func (r *Registry) RegisterAll(f Factory) error {
	for _, kind := range schema.StepKinds {
		if err := r.Register(kind, f); err != nil {
			return err
		}
	}
	return nil
}

// Resolve builds the executor for kind.
func (r *Registry) Resolve(kind schema.StepKind) (StepExecutor, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	if !ok {
		f, ok = r.factories[schema.StepKindResearch]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor registered for kind %q", kind)
	}
	return f(kind)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.StepKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
