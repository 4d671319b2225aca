package valuemap

import (
	"strconv"
	"strings"
	"sync"
)

// IdManager hands out XML ids unique within one document. Objects are
// keyed by identity, so they must be comparable (usually pointers).
type IdManager struct {
	mu   sync.Mutex
	ids  map[any]string
	used map[string]bool
}

func NewIdManager() *IdManager {
	return &IdManager{ids: map[any]string{}, used: map[string]bool{}}
}

func xmlName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
			b.WriteRune(r)
		case i == 0 && r >= '0' && r <= '9':
			b.WriteString("_")
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// GetOrMakeID returns the id already assigned to obj or assigns one.
// A non-empty explicit id is used if nothing else has it yet; otherwise
// the id is derived from suggestion.
func (m *IdManager) GetOrMakeID(obj any, explicit, suggestion string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ids[obj]; ok {
		return id
	}

	var id string
	if explicit != "" && !m.used[explicit] {
		id = explicit
	} else {
		stem := xmlName(suggestion)
		id = stem
		for i := 0; m.used[id]; i++ {
			id = stem + "_" + strconv.Itoa(i)
		}
	}
	m.ids[obj] = id
	m.used[id] = true
	return id
}

// ID returns the id of obj if one was assigned.
func (m *IdManager) ID(obj any) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[obj]
	return id, ok
}
