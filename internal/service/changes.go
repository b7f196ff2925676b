package service

import "sync"

// Change types reported to polling clients.
const (
	ChangeClients    = "clients"
	ChangeRecords    = "registros"
	ChangeUsers      = "usuarios"
	ChangeCategories = "categorias"
	ChangeBicycles   = "bicicletas"
)

// ChangeNotifier keeps one monotonically increasing counter per entity
// type. Counters live in memory and restart at zero.
type ChangeNotifier struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewChangeNotifier returns a notifier with every known type at zero.
func NewChangeNotifier() *ChangeNotifier {
	n := &ChangeNotifier{counters: make(map[string]int64)}
	for _, t := range []string{ChangeClients, ChangeRecords, ChangeUsers, ChangeCategories, ChangeBicycles} {
		n.counters[t] = 0
	}
	return n
}

// Notify increments the counter for changeType and returns its new value.
// Unknown types start at zero.
func (n *ChangeNotifier) Notify(changeType string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counters[changeType]++
	return n.counters[changeType]
}

// Changes returns a copy of every counter.
func (n *ChangeNotifier) Changes() map[string]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int64, len(n.counters))
	for k, v := range n.counters {
		out[k] = v
	}
	return out
}

// ChangesSince reports, per known type, whether the counter moved past the
// value in previous. Types missing from previous count as zero.
func (n *ChangeNotifier) ChangesSince(previous map[string]int64) map[string]bool {
	current := n.Changes()
	out := make(map[string]bool, len(current))
	for k, v := range current {
		out[k] = v > previous[k]
	}
	return out
}
