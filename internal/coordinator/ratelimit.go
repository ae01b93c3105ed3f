// internal/coordinator/ratelimit.go
package coordinator

import "time"

// RateStatus describes a service's usage of the current rate bucket.
type RateStatus struct {
	Service     string    `json:"service"`
	BucketStart time.Time `json:"bucket_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	Limited     bool      `json:"limited"`
}

// IsRateLimited reports whether targetService has used up its notifications
// for the current bucket.
func (c *Coordinator) IsRateLimited(targetService string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimitedLocked(targetService, c.clock.Now())
}

// RateStatus reports the current bucket for targetService.
func (c *Coordinator) RateStatus(targetService string) RateStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	b := c.bucketOf(now)
	c.pruneBucketsLocked(targetService, b)
	count := c.buckets[targetService][b]
	return RateStatus{
		Service:     targetService,
		BucketStart: time.Unix(0, b*int64(c.opts.RateBucket)),
		Count:       count,
		Limit:       c.opts.MaxTriggersPerMinute,
		Limited:     count >= c.opts.MaxTriggersPerMinute,
	}
}

func (c *Coordinator) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(c.opts.RateBucket)
}

func (c *Coordinator) rateLimitedLocked(service string, now time.Time) bool {
	b := c.bucketOf(now)
	c.pruneBucketsLocked(service, b)
	return c.buckets[service][b] >= c.opts.MaxTriggersPerMinute
}

func (c *Coordinator) countLocked(service string, now time.Time) {
	counts, ok := c.buckets[service]
	if !ok {
		counts = make(map[int64]int)
		c.buckets[service] = counts
	}
	counts[c.bucketOf(now)]++
}

// pruneBucketsLocked keeps only the trailing RateHistoryBuckets buckets.
func (c *Coordinator) pruneBucketsLocked(service string, current int64) {
	counts, ok := c.buckets[service]
	if !ok {
		return
	}
	oldest := current - int64(c.opts.RateHistoryBuckets) + 1
	for b := range counts {
		if b < oldest {
			delete(counts, b)
		}
	}
	if len(counts) == 0 {
		delete(c.buckets, service)
	}
}
