// internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no capability has the requested name.
	ErrNotFound = errors.New("capability not found")
	// ErrConflict is returned when registering a name that already exists
	// under the reject policy.
	ErrConflict = errors.New("capability already registered")
	// ErrInvalid is returned for malformed registrations.
	ErrInvalid = errors.New("invalid capability")
)

const (
	defaultVersion = "1.0.0"
	// Bounds the memory used to make RecordUsage idempotent.
	maxTrackedCalls = 10000
	rankingSize     = 5
)

// Persister receives every committed mutation. A failing Persister aborts the
// mutation so memory and storage never diverge.
type Persister interface {
	SaveCapability(ctx context.Context, c Capability) error
}

// Registry is the shared capability catalog. All mutations run under a single
// write lock; reads take the read lock and return deep copies.
type Registry struct {
	logger    *zap.Logger
	metrics   *observability.Metrics
	policy    config.ConflictPolicy
	persister Persister
	now       func() time.Time

	mu   sync.RWMutex
	caps map[string]*Capability

	// Call ids already counted by RecordUsage, oldest first.
	seenCalls map[string]struct{}
	callOrder []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithMetrics publishes per-status counts after each mutation.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry using the given conflict policy.
func New(logger *zap.Logger, policy config.ConflictPolicy, opts ...Option) *Registry {
	if policy == "" {
		policy = config.ConflictReject
	}
	r := &Registry{
		logger:    logger.Named("registry"),
		policy:    policy,
		now:       time.Now,
		caps:      make(map[string]*Capability),
		seenCalls: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load seeds the catalog from storage without persisting again. Existing
// entries with the same name are replaced.
func (r *Registry) Load(caps []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		cp := c.clone()
		r.caps[c.Name] = &cp
	}
	r.publishCountsLocked()
	r.logger.Info("Loaded capabilities", zap.Int("count", len(caps)))
}

// Register adds a new capability. An existing name is resolved by the
// configured conflict policy: reject returns ErrConflict, version_bump
// replaces the record with the next version while keeping its usage history.
func (r *Registry) Register(ctx context.Context, c Capability) (Capability, error) {
	if c.Name == "" {
		return Capability{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if c.Type == "" {
		c.Type = TypeTool
	}
	if _, err := ParseCapabilityType(string(c.Type)); err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if _, err := ParseStatus(string(c.Status)); err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.caps[c.Name]
	if exists {
		switch r.policy {
		case config.ConflictReject:
			// An errored entry is never executable, so it may always be replaced.
			if prev.Status != StatusError {
				return Capability{}, fmt.Errorf("%w: %s (version %s)", ErrConflict, c.Name, prev.Version)
			}
			fallthrough
		case config.ConflictVersionBump:
			c.Version = bumpVersion(prev.Version)
			c.CreatedAt = prev.CreatedAt
			c.UsageCount = prev.UsageCount
			c.LastUsed = prev.LastUsed
		default:
			return Capability{}, fmt.Errorf("%w: %s (unknown policy %q)", ErrConflict, c.Name, r.policy)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}

	stored := c.clone()
	if err := r.commitLocked(ctx, &stored, prev); err != nil {
		return Capability{}, err
	}
	r.logger.Info("Registered capability",
		zap.String("tool", c.Name),
		zap.String("version", c.Version),
		zap.String("status", string(c.Status)),
		zap.Bool("replaced", exists))
	return stored.clone(), nil
}

// commitLocked installs next in place of prev (nil for inserts) and persists
// it, restoring prev if persistence fails.
func (r *Registry) commitLocked(ctx context.Context, next, prev *Capability) error {
	r.caps[next.Name] = next
	if r.persister != nil {
		if err := r.persister.SaveCapability(ctx, next.clone()); err != nil {
			if prev != nil {
				r.caps[next.Name] = prev
			} else {
				delete(r.caps, next.Name)
			}
			return fmt.Errorf("failed to persist capability %s: %w", next.Name, err)
		}
	}
	r.publishCountsLocked()
	return nil
}

// Get returns a copy of the named capability.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c.clone(), nil
}

// List returns capabilities matching f, sorted by name.
func (r *Registry) List(f Filter) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		if matches(c, f) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matches(c *Capability, f Filter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, c.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
		return false
	}
	for _, want := range f.Tags {
		if !containsFold(c.Tags, want) {
			return false
		}
	}
	return true
}

func containsType(ts []CapabilityType, t CapabilityType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []Status, s Status) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

// Search ranks capabilities by how many query keywords appear in their name,
// description or tags. Non-matching capabilities are omitted.
func (r *Registry) Search(query string) []Capability {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	type hit struct {
		c     Capability
		score int
	}

	r.mu.RLock()
	hits := make([]hit, 0)
	for _, c := range r.caps {
		haystack := strings.ToLower(c.Name + " " + c.Description + " " + strings.Join(c.Tags, " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{c: c.clone(), score: score})
		}
	}
	r.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].c.Name < hits[j].c.Name
	})
	out := make([]Capability, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out
}

// RecordUsage increments the usage count and sets last_used. A non-empty
// callID is counted at most once, so redelivered results are harmless.
// It reports whether the usage was counted.
func (r *Registry) RecordUsage(ctx context.Context, name, callID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.caps[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	key := name + "/" + callID
	if callID != "" {
		if _, seen := r.seenCalls[key]; seen {
			return false, nil
		}
	}

	next := prev.clone()
	next.UsageCount++
	next.LastUsed = r.now().UTC()
	if err := r.commitLocked(ctx, &next, prev); err != nil {
		return false, err
	}

	if callID != "" {
		r.seenCalls[key] = struct{}{}
		r.callOrder = append(r.callOrder, key)
		if len(r.callOrder) > maxTrackedCalls {
			delete(r.seenCalls, r.callOrder[0])
			r.callOrder = r.callOrder[1:]
		}
	}
	return true, nil
}

// SetStatus moves a capability to status. Entering StatusError records msg;
// any other status clears the stored error.
func (r *Registry) SetStatus(ctx context.Context, name string, status Status, msg string) (Capability, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.caps[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := prev.clone()
	next.Status = status
	switch status {
	case StatusError:
		next.ErrorMessage = msg
	case StatusDraft, StatusValidated, StatusActive, StatusDeprecated:
		next.ErrorMessage = ""
	}
	if err := r.commitLocked(ctx, &next, prev); err != nil {
		return Capability{}, err
	}
	if prev.Status != status {
		r.logger.Info("Capability status changed",
			zap.String("tool", name),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(status)),
			zap.String("reason", msg))
	}
	return next.clone(), nil
}

// Promote moves validated capabilities to active. It is a no-op in any
// other status and reports whether a promotion happened.
func (r *Registry) Promote(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	c, ok := r.caps[name]
	validated := ok && c.Status == StatusValidated
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !validated {
		return false, nil
	}

	// Re-check under the write lock; another caller may have promoted first.
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.caps[name]
	if prev == nil || prev.Status != StatusValidated {
		return false, nil
	}
	next := prev.clone()
	next.Status = StatusActive
	if err := r.commitLocked(ctx, &next, prev); err != nil {
		return false, err
	}
	r.logger.Info("Capability promoted", zap.String("tool", name), zap.String("to", string(StatusActive)))
	return true, nil
}

// MarkError moves a capability to StatusError with reason.
func (r *Registry) MarkError(ctx context.Context, name, reason string) error {
	_, err := r.SetStatus(ctx, name, StatusError, reason)
	return err
}

// Deprecate retires a capability; calls to it fail from then on.
func (r *Registry) Deprecate(ctx context.Context, name string) error {
	_, err := r.SetStatus(ctx, name, StatusDeprecated, "")
	return err
}

// Stats summarises the catalog.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	all := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		all = append(all, c.clone())
	}
	r.mu.RUnlock()

	return computeStats(all)
}

// computeStats is shared with offline inspection of export files.
func computeStats(all []Capability) Stats {
	s := Stats{
		Total:    len(all),
		ByType:   make(map[CapabilityType]int),
		ByStatus: make(map[Status]int),
		MostUsed: []UsageEntry{},
		Recent:   []string{},
		Errors:   []ErrorEntry{},
	}
	for _, c := range all {
		s.ByType[c.Type]++
		s.ByStatus[c.Status]++
		if c.Status == StatusError {
			s.Errors = append(s.Errors, ErrorEntry{Name: c.Name, Message: c.ErrorMessage})
		}
	}
	sort.Slice(s.Errors, func(i, j int) bool { return s.Errors[i].Name < s.Errors[j].Name })

	byUsage := append([]Capability(nil), all...)
	sort.SliceStable(byUsage, func(i, j int) bool {
		if byUsage[i].UsageCount != byUsage[j].UsageCount {
			return byUsage[i].UsageCount > byUsage[j].UsageCount
		}
		return byUsage[i].Name < byUsage[j].Name
	})
	for _, c := range byUsage {
		if len(s.MostUsed) == rankingSize || c.UsageCount == 0 {
			break
		}
		s.MostUsed = append(s.MostUsed, UsageEntry{Name: c.Name, UsageCount: c.UsageCount})
	}

	byAge := append([]Capability(nil), all...)
	sort.SliceStable(byAge, func(i, j int) bool {
		if !byAge[i].CreatedAt.Equal(byAge[j].CreatedAt) {
			return byAge[i].CreatedAt.After(byAge[j].CreatedAt)
		}
		return byAge[i].Name < byAge[j].Name
	})
	for i := 0; i < len(byAge) && i < rankingSize; i++ {
		s.Recent = append(s.Recent, byAge[i].Name)
	}
	return s
}

// StatsOf computes catalog statistics for an arbitrary capability set.
func StatsOf(caps []Capability) Stats {
	return computeStats(caps)
}

func (r *Registry) publishCountsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[string(st)] = 0
	}
	for _, c := range r.caps {
		counts[string(c.Status)]++
	}
	r.metrics.SetCapabilityCounts(counts)
}

// bumpVersion increments the minor component of a major.minor.patch version.
func bumpVersion(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) == 3 {
		if minor, err := strconv.Atoi(parts[1]); err == nil {
			return fmt.Sprintf("%s.%d.0", parts[0], minor+1)
		}
	}
	return v + ".1"
}
