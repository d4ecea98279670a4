package scheduler

import (
	"sort"
)

// ResourceLedger records, per wave, which task owns each resource key.
// It exists only while a schedule is being built: co-scheduled tasks are kept
// off each other's resources by construction, so nothing locks at run time.
type ResourceLedger struct {
	holders map[int]map[string]string // wave -> resource key -> task ID
}

// NewResourceLedger creates an empty ledger.
func NewResourceLedger() *ResourceLedger {
	return &ResourceLedger{
		holders: make(map[int]map[string]string),
	}
}

// Holder returns the task owning key in the given wave.
func (l *ResourceLedger) Holder(wave int, key string) (string, bool) {
	owner, ok := l.holders[wave][key]
	return owner, ok
}

// Conflict reports the first key (in sorted order) that another task already
// owns in the given wave.
func (l *ResourceLedger) Conflict(wave int, taskID string, keys []string) (key string, holder string, found bool) {
	owned := l.holders[wave]
	if len(owned) == 0 {
		return "", "", false
	}
	for _, k := range sortedKeys(keys) {
		if h, ok := owned[k]; ok && h != taskID {
			return k, h, true
		}
	}
	return "", "", false
}

// Claim records taskID as the owner of keys in the given wave. Keys already
// owned by another task keep their first owner and are returned as conflicts.
func (l *ResourceLedger) Claim(wave int, taskID string, keys []string) []*ResourceConflictError {
	if len(keys) == 0 {
		return nil
	}

	owned, ok := l.holders[wave]
	if !ok {
		owned = make(map[string]string)
		l.holders[wave] = owned
	}

	var conflicts []*ResourceConflictError
	for _, k := range sortedKeys(keys) {
		h, taken := owned[k]
		switch {
		case !taken:
			owned[k] = taskID
		case h != taskID:
			conflicts = append(conflicts, &ResourceConflictError{
				Resource: k,
				Wave:     wave,
				TaskA:    h,
				TaskB:    taskID,
			})
		}
	}
	return conflicts
}

// sortedKeys returns a sorted, de-duplicated copy of keys.
func sortedKeys(keys []string) []string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	out := sorted[:0]
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}
