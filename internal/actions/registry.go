package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// Registry is the thread-safe action registry. It also serves as the
// stepschema.ActionSchemas source for action step output shapes.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	inputs  map[string]*jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
		inputs:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds an action. Returns error on duplicate name or an input schema
// that does not compile.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	var compiled *jsonschema.Schema
	if in := action.Schema().InputSchema; len(in) > 0 {
		var doc any
		if err := json.Unmarshal(in, &doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: invalid input schema: %s", name, err)
		}
		c, err := stepschema.CompileDocument("automata://actions/"+name+"/input.json", doc)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: %s", name, err).WithCause(err)
		}
		compiled = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	if compiled != nil {
		r.inputs[name] = compiled
	}
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// OutputShape returns the declared output shape of an action.
func (r *Registry) OutputShape(name string) (*stepschema.Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, false
	}
	return a.Schema().Output, true
}

// ValidateParams checks interpolated params against the action's input
// schema, then its own Validate.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	action, ok := r.actions[name]
	compiled := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if compiled != nil {
		doc, err := stepschema.ToJSONValue(params)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: params are not serializable: %s", name, err)
		}
		if err := compiled.Validate(doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid params: %s", name, err).WithCause(err)
		}
	}
	return action.Validate(params)
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: a.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

func executionErrorf(action, format string, args ...any) *schema.AutomataError {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "%s: %s", action, fmt.Sprintf(format, args...))
}

func validationErrorf(action, format string, args ...any) *schema.AutomataError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", action, fmt.Sprintf(format, args...))
}
