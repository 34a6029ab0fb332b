package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-process Registry. Values are copied on the way in and
// out so callers never share state with the registry.
type MemoryRegistry struct {
	mu          sync.RWMutex
	targets     map[string]*Target
	deployments map[string]*Deployment
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		targets:     make(map[string]*Target),
		deployments: make(map[string]*Deployment),
	}
}

// AddTarget registers a target, assigning an ID when empty.
func (r *MemoryRegistry) AddTarget(ctx context.Context, target *Target) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}

	now := time.Now()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.UpdatedAt = now
	target.Tags = NormalizeTags(target.Tags)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[target.ID]; exists {
		return NewConflictError("target already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(target.ID)
	}
	r.targets[target.ID] = cloneTarget(target)
	return nil
}

// GetTarget implements Registry.
func (r *MemoryRegistry) GetTarget(ctx context.Context, id string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.targets[id]
	if !ok {
		return nil, NewNotFoundError("target", id)
	}
	return cloneTarget(target), nil
}

// ListTargets returns every target ordered by ID.
func (r *MemoryRegistry) ListTargets(ctx context.Context) ([]*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Target, 0, len(r.targets))
	for _, target := range r.targets {
		out = append(out, cloneTarget(target))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTargetsByTags returns the targets carrying any of the tags.
func (r *MemoryRegistry) ListTargetsByTags(ctx context.Context, tags []string) ([]*Target, error) {
	all, err := r.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	return FilterTargetsByTags(all, tags), nil
}

// RemoveTarget deletes a target by ID.
func (r *MemoryRegistry) RemoveTarget(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[id]; !ok {
		return NewNotFoundError("target", id)
	}
	delete(r.targets, id)
	return nil
}

// GetDeployment implements Registry.
func (r *MemoryRegistry) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deployments[id]
	if !ok {
		return nil, NewNotFoundError("deployment", id)
	}
	return d.Clone(), nil
}

// SaveDeployment implements Registry.
func (r *MemoryRegistry) SaveDeployment(ctx context.Context, d *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deployments[d.ID] = d.Clone()
	return nil
}

// FilterTargetsByTags keeps the targets that carry at least one of tags.
// An empty tag list selects every target.
func FilterTargetsByTags(targets []*Target, tags []string) []*Target {
	if len(tags) == 0 {
		return targets
	}

	selected := make([]*Target, 0, len(targets))
	for _, target := range targets {
		for _, tag := range tags {
			if target.HasTag(tag) {
				selected = append(selected, target)
				break
			}
		}
	}
	return selected
}

// ParseTagSelector parses "web,db" or "all" into a tag list. "all" yields nil.
func ParseTagSelector(selector string) []string {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "all" {
		return nil
	}
	return NormalizeTags(strings.Split(selector, ","))
}

func cloneTarget(t *Target) *Target {
	out := *t
	if t.Auth != nil {
		auth := *t.Auth
		out.Auth = &auth
	}
	out.Tags = append([]string(nil), t.Tags...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
