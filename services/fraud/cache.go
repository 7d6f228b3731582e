package fraud

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_rule_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type CompiledRuleSet struct {
	Rules     []*CompiledRule
	UpdatedAt time.Time
}

// RuleCache holds the compiled rule set; a TTL bounds staleness after rule
// edits and singleflight collapses concurrent refills.
type RuleCache struct {
	mu    sync.RWMutex
	set   *CompiledRuleSet
	ttl   time.Duration
	group singleflight.Group
}

func NewRuleCache(ttl time.Duration) *RuleCache {
	return &RuleCache{ttl: ttl}
}

func (c *RuleCache) Get() (*CompiledRuleSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil || (c.ttl > 0 && time.Since(c.set.UpdatedAt) > c.ttl) {
		return nil, false
	}
	return c.set, true
}

func (c *RuleCache) Set(set *CompiledRuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = set
}

func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = nil
}

// GetOrFill returns the cached set or fills it via load, deduplicating
// concurrent load calls.
func (c *RuleCache) GetOrFill(load func() (*CompiledRuleSet, error)) (*CompiledRuleSet, error) {
	if set, ok := c.Get(); ok {
		cacheHits.Inc()
		return set, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do("rules", func() (interface{}, error) {
		if set, ok := c.Get(); ok {
			return set, nil
		}
		set, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledRuleSet), nil
}
