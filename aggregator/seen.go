package aggregator

import "sort"

// SeenSet holds the ids already handed to a caller. It only grows.
type SeenSet struct {
	ids map[string]struct{}
}

// NewSeenSet copies the carried-over ids; the caller's slice is never retained
func NewSeenSet(carried []string) *SeenSet {
	s := &SeenSet{ids: make(map[string]struct{}, len(carried))}
	for _, id := range carried {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

func (s *SeenSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Add(id string) {
	s.ids[id] = struct{}{}
}

func (s *SeenSet) Len() int {
	return len(s.ids)
}

// IDs returns the members in sorted order
func (s *SeenSet) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
