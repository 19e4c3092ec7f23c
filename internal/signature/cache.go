// Package signature caches upstream thought signatures so tool-using
// reasoning stays valid across client replays that drop the opaque blobs.
package signature

import (
	"log"
	"sync"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/domain"
)

// MinLength: anything shorter is not a real signature and is never cached.
const MinLength = 10

// cleanupInterval bounds how often expired persisted rows are swept.
const cleanupInterval = 5 * time.Minute

// Persister is the durable backing for signature rows. Implemented by the
// sqlite repository; nil disables persistence (memory-only operation).
type Persister interface {
	UpsertSignature(row *domain.SignatureRow) error
	GetSignature(kind domain.SignatureKind, cacheKey string) (*domain.SignatureRow, error)
	DeleteSignaturesBefore(kind domain.SignatureKind, cutoffMs int64) error
}

type entry struct {
	signature   string
	thoughtText string
	savedAt     time.Time
}

// namespace is one TTL+cap bounded map. Eviction removes the oldest entry
// when the cap is exceeded.
type namespace struct {
	kind    domain.SignatureKind
	ttl     time.Duration
	max     int
	persist bool
	entries map[string]entry
}

func (n *namespace) put(key, sig, thoughtText string, now time.Time) {
	if len(n.entries) >= n.max {
		n.evictOldest()
	}
	n.entries[key] = entry{signature: sig, thoughtText: thoughtText, savedAt: now}
}

func (n *namespace) get(key string, now time.Time) (entry, bool) {
	e, ok := n.entries[key]
	if !ok {
		return entry{}, false
	}
	if now.Sub(e.savedAt) > n.ttl {
		delete(n.entries, key)
		return entry{}, false
	}
	return e, true
}

func (n *namespace) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range n.entries {
		if oldestKey == "" || e.savedAt.Before(oldest) {
			oldestKey = k
			oldest = e.savedAt
		}
	}
	if oldestKey != "" {
		delete(n.entries, oldestKey)
	}
}

func (n *namespace) sweep(now time.Time) {
	for k, e := range n.entries {
		if now.Sub(e.savedAt) > n.ttl {
			delete(n.entries, k)
		}
	}
}

// Cache is the shared signature service: four namespaces over one mutex,
// with write-through persistence for the Claude namespaces.
type Cache struct {
	mu          sync.Mutex
	toolThought *namespace
	thinking    *namespace
	lastUser    *namespace
	assistant   *namespace

	persister   Persister
	lastCleanup time.Time
	now         func() time.Time
}

func NewCache(cfg *config.Config, persister Persister) *Cache {
	return &Cache{
		toolThought: &namespace{kind: domain.SignatureKindToolThought, ttl: cfg.ToolThoughtSignatureTTL, max: cfg.ToolThoughtSignatureMax, entries: map[string]entry{}},
		thinking:    &namespace{kind: domain.SignatureKindThinking, ttl: cfg.ThinkingSignatureTTL, max: cfg.ThinkingSignatureMax, persist: true, entries: map[string]entry{}},
		lastUser:    &namespace{kind: domain.SignatureKindLastUser, ttl: cfg.LastSignatureTTL, max: cfg.LastSignatureMax, persist: true, entries: map[string]entry{}},
		assistant:   &namespace{kind: domain.SignatureKindAssistant, ttl: cfg.AssistantSignatureTTL, max: cfg.AssistantSignatureMax, persist: true, entries: map[string]entry{}},
		persister:   persister,
		now:         time.Now,
	}
}

// CacheToolThoughtSignature stores a short-lived signature for one tool-use
// id. Memory only.
func (c *Cache) CacheToolThoughtSignature(id, sig string) {
	if id == "" || len(sig) < MinLength {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolThought.put(id, sig, "", c.now())
}

func (c *Cache) GetToolThoughtSignature(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.toolThought.get(id, c.now()); ok {
		return e.signature
	}
	return ""
}

// CacheThinkingSignature stores the signature (and optionally the thought
// text, memory only) for a Claude tool_use id. Write-through persisted.
func (c *Cache) CacheThinkingSignature(id, sig, thoughtText string) {
	if id == "" || len(sig) < MinLength {
		return
	}
	c.store(c.thinking, id, sig, thoughtText)
}

func (c *Cache) GetThinkingSignature(id string) string {
	return c.lookup(c.thinking, id)
}

// GetThinkingThoughtText returns the cached thought text for a tool_use id,
// if the signature entry is still resident in memory.
func (c *Cache) GetThinkingThoughtText(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.thinking.get(id, c.now()); ok {
		return e.thoughtText
	}
	return ""
}

// CacheLastThinkingSignature stores the per-user fallback signature.
func (c *Cache) CacheLastThinkingSignature(userID, sig string) {
	if userID == "" || len(sig) < MinLength {
		return
	}
	c.store(c.lastUser, userID, sig, "")
}

func (c *Cache) GetLastThinkingSignature(userID string) string {
	return c.lookup(c.lastUser, userID)
}

// CacheAssistantSignature keys a signature by user plus a stable hash of the
// assistant content (thinking blocks excluded), so clients that drop
// thinking blocks can still replay.
func (c *Cache) CacheAssistantSignature(userID string, content interface{}, sig string) {
	if len(sig) < MinLength {
		return
	}
	c.store(c.assistant, assistantKey(userID, content), sig, "")
}

func (c *Cache) GetAssistantSignature(userID string, content interface{}) string {
	return c.lookup(c.assistant, assistantKey(userID, content))
}

func assistantKey(userID string, content interface{}) string {
	return userID + ":" + HashContent(content)
}

func (c *Cache) store(ns *namespace, key, sig, thoughtText string) {
	c.mu.Lock()
	now := c.now()
	ns.put(key, sig, thoughtText, now)
	c.mu.Unlock()

	if ns.persist && c.persister != nil {
		row := &domain.SignatureRow{Kind: ns.kind, CacheKey: key, Signature: sig, SavedAt: now.UnixMilli()}
		if err := c.persister.UpsertSignature(row); err != nil {
			log.Printf("[Signature] Persist %s/%s failed: %v", ns.kind, key, err)
		}
	}
	c.maybeCleanup()
}

func (c *Cache) lookup(ns *namespace, key string) string {
	c.mu.Lock()
	now := c.now()
	if e, ok := ns.get(key, now); ok {
		c.mu.Unlock()
		return e.signature
	}
	c.mu.Unlock()

	if !ns.persist || c.persister == nil {
		return ""
	}
	row, err := c.persister.GetSignature(ns.kind, key)
	if err != nil || row == nil {
		return ""
	}
	savedAt := time.UnixMilli(row.SavedAt)
	if now.Sub(savedAt) > ns.ttl {
		return ""
	}

	// Re-warm memory so the next hit is lock-only.
	c.mu.Lock()
	ns.entries[key] = entry{signature: row.Signature, savedAt: savedAt}
	c.mu.Unlock()
	return row.Signature
}

// maybeCleanup sweeps expired entries at most once per cleanupInterval.
func (c *Cache) maybeCleanup() {
	c.mu.Lock()
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		c.mu.Unlock()
		return
	}
	c.lastCleanup = now
	namespaces := []*namespace{c.toolThought, c.thinking, c.lastUser, c.assistant}
	for _, ns := range namespaces {
		ns.sweep(now)
	}
	c.mu.Unlock()

	if c.persister == nil {
		return
	}
	for _, ns := range namespaces {
		if !ns.persist {
			continue
		}
		cutoff := now.Add(-ns.ttl).UnixMilli()
		if err := c.persister.DeleteSignaturesBefore(ns.kind, cutoff); err != nil {
			log.Printf("[Signature] Cleanup %s failed: %v", ns.kind, err)
		}
	}
}
