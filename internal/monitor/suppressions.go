package monitor

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Suppressions remembers when each task was last reminded about.
// Entries expire after ttl and the table never holds more than size tasks.
type Suppressions struct {
	cache *expirable.LRU[string, time.Time]
}

func NewSuppressions(size int, ttl time.Duration) *Suppressions {
	if size <= 0 {
		size = 10000
	}
	return &Suppressions{cache: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (s *Suppressions) Last(taskID string) (time.Time, bool) {
	return s.cache.Get(taskID)
}

func (s *Suppressions) Record(taskID string, at time.Time) {
	s.cache.Add(taskID, at)
}

func (s *Suppressions) Len() int {
	return s.cache.Len()
}
