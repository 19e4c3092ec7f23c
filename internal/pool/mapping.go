package pool

import (
	"sort"
	"strings"
	"sync"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/repository"
)

// DefaultMappings is the built-in catalogue, used when the mapping table is
// empty. Identity mappings double as the advertised model list.
var DefaultMappings = []*domain.ModelMapping{
	{Pattern: "claude-sonnet-4-5", Target: "claude-sonnet-4-5", Priority: 10},
	{Pattern: "claude-sonnet-4-5-thinking", Target: "claude-sonnet-4-5-thinking", Priority: 10},
	{Pattern: "claude-opus-*-thinking", Target: "claude-opus-4-5-thinking", Priority: 20},
	{Pattern: "gemini-3-pro-high", Target: "gemini-3-pro-high", Priority: 10},
	{Pattern: "gemini-3-pro-low", Target: "gemini-3-pro-low", Priority: 10},
	{Pattern: "gemini-3-flash", Target: "gemini-3-flash", Priority: 10},
	{Pattern: "gpt-*", Target: "gemini-3-pro-high", Priority: 90},
}

// Resolver maps public model names to upstream names through a wildcard
// pattern table. First match by ascending priority wins; unmatched names
// pass through unchanged.
type Resolver struct {
	repo repository.ModelMappingRepository

	mu       sync.RWMutex
	mappings []*domain.ModelMapping
}

func NewResolver(repo repository.ModelMappingRepository) *Resolver {
	r := &Resolver{repo: repo}
	r.setMappings(nil)
	return r
}

// Reload pulls the mapping table; an empty table falls back to the built-in
// catalogue.
func (r *Resolver) Reload() error {
	if r.repo == nil {
		return nil
	}
	rows, err := r.repo.ListModelMappings()
	if err != nil {
		return err
	}
	r.setMappings(rows)
	return nil
}

func (r *Resolver) setMappings(rows []*domain.ModelMapping) {
	if len(rows) == 0 {
		rows = DefaultMappings
	}
	sorted := make([]*domain.ModelMapping, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r.mu.Lock()
	r.mappings = sorted
	r.mu.Unlock()
}

// Resolve maps a public model name to its upstream name.
func (r *Resolver) Resolve(public string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mappings {
		if matchPattern(m.Pattern, public) {
			return m.Target
		}
	}
	return public
}

// Catalogue lists the advertised public model names: every non-wildcard
// pattern, deduplicated in priority order.
func (r *Resolver) Catalogue() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, len(r.mappings))
	for _, m := range r.mappings {
		if strings.Contains(m.Pattern, "*") || seen[m.Pattern] {
			continue
		}
		seen[m.Pattern] = true
		out = append(out, m.Pattern)
	}
	sort.Strings(out)
	return out
}

// matchPattern matches name against a pattern with '*' wildcards.
func matchPattern(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(name, parts[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(parts[i]):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}
