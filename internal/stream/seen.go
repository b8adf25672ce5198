package stream

// seenSet remembers the most recent ids up to a fixed capacity and forgets
// the oldest first.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), ring: make([]string, 0, capacity)}
}

func (s *seenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add reports whether id was new.
func (s *seenSet) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) Len() int { return len(s.ids) }
