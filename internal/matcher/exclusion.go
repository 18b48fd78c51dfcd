package matcher

// ExclusionTracker is the set of drivers already tried for one request.
// It only grows and is owned by a single dispatch loop, so it is not
// safe for concurrent use.
type ExclusionTracker struct {
	set   map[string]struct{}
	order []string
}

func NewExclusionTracker(seed []string) *ExclusionTracker {
	t := &ExclusionTracker{set: make(map[string]struct{}, len(seed))}
	for _, id := range seed {
		t.Add(id)
	}
	return t
}

// Add reports whether id was newly added.
func (t *ExclusionTracker) Add(id string) bool {
	if _, ok := t.set[id]; ok {
		return false
	}
	t.set[id] = struct{}{}
	t.order = append(t.order, id)
	return true
}

func (t *ExclusionTracker) Contains(id string) bool {
	_, ok := t.set[id]
	return ok
}

// Snapshot returns the members in insertion order.
func (t *ExclusionTracker) Snapshot() []string {
	return append([]string(nil), t.order...)
}

func (t *ExclusionTracker) Len() int { return len(t.order) }
