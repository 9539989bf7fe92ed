// Package seeds provides the solr base urls used to bootstrap topology polling
package seeds

import (
	"errors"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.seeds")

// ErrNoSeeds is returned when no seed is known
var ErrNoSeeds = errors.New("no seeds available")

// Seeds provides a service to get a list of seeds
type Seeds interface {
	// GetN will return up to n seeds, rotating the starting point between calls
	GetN(n int) ([]string, error)

	// Update replaces the learned seeds, the configured ones are always kept
	Update(urls []string)
}

// List is a Seeds over a configured list of base urls plus the ones learned from the cluster
type List struct {
	mu         sync.Mutex
	configured []string
	learned    []string
	next       int
}

// NewList creates a List, urls are base urls such as http://10.0.0.1:8983/solr
func NewList(urls ...string) *List {
	return &List{configured: normalize(urls)}
}

// GetN implements Seeds
func (l *List) GetN(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.allLocked()
	if len(all) == 0 {
		return nil, ErrNoSeeds
	}
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[(l.next+i)%len(all)])
	}
	l.next = (l.next + 1) % len(all)
	return out, nil
}

// Update implements Seeds
func (l *List) Update(urls []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learned = normalize(urls)
	logger.Debugf("seeds updated, %d configured, %d learned", len(l.configured), len(l.learned))
}

// Len returns the number of distinct seeds
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.allLocked())
}

func (l *List) allLocked() []string {
	seen := make(map[string]struct{}, len(l.configured)+len(l.learned))
	out := make([]string, 0, len(l.configured)+len(l.learned))
	for _, list := range [][]string{l.configured, l.learned} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

func normalize(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			out = append(out, u)
		}
	}
	return out
}
