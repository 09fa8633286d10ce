package stats

import (
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Summary is the progress overview of a project.
type Summary struct {
	models.ProjectCounters
	ActiveLocks       int       `json:"active_locks"`
	PercentMapped     int       `json:"percent_mapped"`
	PercentValidated  int       `json:"percent_validated"`
	PercentBadImagery int       `json:"percent_bad_imagery"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// NewSummary derives percentages from counters.
func NewSummary(c models.ProjectCounters, activeLocks int, now time.Time) *Summary {
	return &Summary{
		ProjectCounters:   c,
		ActiveLocks:       activeLocks,
		PercentMapped:     percent(c.TasksMapped, c.TotalTasks),
		PercentValidated:  percent(c.TasksValidated, c.TotalTasks),
		PercentBadImagery: percent(c.TasksBadImagery, c.TotalTasks),
		GeneratedAt:       now,
	}
}

func percent(n, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}

// SummaryCache holds recently computed project summaries.
type SummaryCache interface {
	Get(projectID int64) (*Summary, bool)
	Put(projectID int64, s *Summary)
	Invalidate(projectID int64)
}

// LRUSummaryCache is a size-bounded SummaryCache whose entries expire
// after a TTL.
type LRUSummaryCache struct {
	lru *expirable.LRU[int64, *Summary]
}

// NewSummaryCache creates a cache holding up to size summaries for ttl.
func NewSummaryCache(size int, ttl time.Duration) *LRUSummaryCache {
	if size <= 0 {
		size = 256
	}
	return &LRUSummaryCache{lru: expirable.NewLRU[int64, *Summary](size, nil, ttl)}
}

func (c *LRUSummaryCache) Get(projectID int64) (*Summary, bool) {
	return c.lru.Get(projectID)
}

func (c *LRUSummaryCache) Put(projectID int64, s *Summary) {
	c.lru.Add(projectID, s)
}

func (c *LRUSummaryCache) Invalidate(projectID int64) {
	c.lru.Remove(projectID)
}

// Len returns the number of cached summaries.
func (c *LRUSummaryCache) Len() int {
	return c.lru.Len()
}

// NopSummaryCache never caches.
type NopSummaryCache struct{}

func (NopSummaryCache) Get(int64) (*Summary, bool) { return nil, false }
func (NopSummaryCache) Put(int64, *Summary)        {}
func (NopSummaryCache) Invalidate(int64)           {}
