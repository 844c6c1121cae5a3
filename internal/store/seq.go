package store

import "sync"

type seqGenerator struct {
	mu      sync.Mutex
	perName map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perName: make(map[string]int64)}
}

func (g *seqGenerator) next(name string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perName[name]++
	return g.perName[name]
}

func (g *seqGenerator) current(name string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perName[name]
}
