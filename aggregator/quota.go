package aggregator

// Quota bounds how many items one author may contribute to a single invocation.
// Not safe for concurrent use; each invocation owns its own Quota.
type Quota struct {
	max    int
	counts map[string]int
}

func NewQuota(maxPerAuthor int) *Quota {
	return &Quota{max: maxPerAuthor, counts: make(map[string]int)}
}

// Accepts reports whether the author is still below the limit
func (q *Quota) Accepts(authorID string) bool {
	return q.counts[authorID] < q.max
}

// Record counts one accepted item. Callers check Accepts first.
func (q *Quota) Record(authorID string) {
	q.counts[authorID]++
}

func (q *Quota) Count(authorID string) int {
	return q.counts[authorID]
}

// Distribution returns a copy of the per-author counts
func (q *Quota) Distribution() map[string]int {
	out := make(map[string]int, len(q.counts))
	for author, n := range q.counts {
		out[author] = n
	}
	return out
}
