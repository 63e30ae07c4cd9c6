package kernel

import (
	"regexp"
	"strings"
	"sync"
)

var (
	tagPattern     = regexp.MustCompile(`^#[\w-]+$`)
	unitRefPattern = regexp.MustCompile(`^[\w][\w.@/-]*$`)
)

// IsTagRef reports whether a requirement refers to a tag rather than a unit.
func IsTagRef(ref string) bool {
	return strings.HasPrefix(ref, "#")
}

// ValidTag reports whether tag matches #[\w-]+.
func ValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

func validUnitRef(ref string) bool {
	if IsTagRef(ref) {
		return ValidTag(ref)
	}
	return unitRefPattern.MatchString(ref)
}

// TagRegistry maps tags to the unit that owns them. Ownership is
// first-come and never changes.
type TagRegistry struct {
	mu     sync.RWMutex
	owners map[string]string
	order  []string
}

// NewTagRegistry creates an empty registry.
func NewTagRegistry() *TagRegistry {
	return &TagRegistry{owners: make(map[string]string)}
}

// Claim registers unit as the owner of tag.
func (r *TagRegistry) Claim(tag, unit string) error {
	if !ValidTag(tag) {
		return newError(KindValidation, "invalid tag syntax, expected #[\\w-]+", nil).
			WithUnit(unit).
			WithKey(tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.owners[tag]; exists {
		err := newError(KindDuplicateKey, "tag already provided", nil).WithUnit(unit).WithKey(tag)
		err.Owner = owner
		return err
	}
	r.owners[tag] = unit
	r.order = append(r.order, tag)
	return nil
}

// Owner returns the unit owning tag.
func (r *TagRegistry) Owner(tag string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[tag]
	return owner, ok
}

// Tags returns the claimed tags in claim order.
func (r *TagRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, len(r.order))
	copy(tags, r.order)
	return tags
}

// Snapshot returns a copy of the tag to owner mapping.
func (r *TagRegistry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.owners))
	for tag, owner := range r.owners {
		out[tag] = owner
	}
	return out
}
