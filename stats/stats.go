package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeFiltered        EventType = "filtered"
	EventTypeDelivered       EventType = "delivered"
	EventTypeDryRunDelivered EventType = "dry_run_delivered"
	EventTypeRemoved         EventType = "removed"
	EventTypeDryRunRemoved   EventType = "dry_run_removed"
	EventTypeSkipped         EventType = "skipped"
	EventTypeError           EventType = "error"
)

type Event struct {
	Type        EventType
	Key         string
	Destination string
	Err         error
}

type Summary struct {
	Scanned         int
	Filtered        int
	Delivered       int
	DryRunDelivered int
	Removed         int
	DryRunRemoved   int
	Skipped         int
	Errors          int
	LastError       error

	// Destinations counts delivered (or, in dry-run, planned) messages per store.
	Destinations map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"delivered", s.Delivered,
		"dryRunDelivered", s.DryRunDelivered,
		"removed", s.Removed,
		"dryRunRemoved", s.DryRunRemoved,
		"skipped", s.Skipped,
		"destinations", len(s.Destinations),
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates events into a Summary.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Destinations: make(map[string]int)}}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDelivered:
		c.summary.Delivered++
		c.summary.Destinations[evt.Destination]++
	case EventTypeDryRunDelivered:
		c.summary.DryRunDelivered++
		c.summary.Destinations[evt.Destination]++
	case EventTypeRemoved:
		c.summary.Removed++
	case EventTypeDryRunRemoved:
		c.summary.DryRunRemoved++
	case EventTypeSkipped:
		c.summary.Skipped++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// Snapshot returns a copy of the current summary.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.Destinations = make(map[string]int, len(c.summary.Destinations))
	for k, v := range c.summary.Destinations {
		summary.Destinations[k] = v
	}
	return summary
}

// Pair is a key with its count.
type Pair struct {
	Key   string
	Value int
}

// Top returns the entries of m sorted by count descending, then by key.
// A limit <= 0 returns all entries.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
