// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package index

import (
	"cmp"
	"container/heap"
	"slices"
)

// node is one point in the arena. links[l] holds neighbor handles at
// level l.
type node struct {
	id         string
	vec        []float32
	level      int
	links      [][]int32
	tombstoned bool
}

type graph struct {
	m          int
	m0         int
	efC        int
	nodes      []node
	byID       map[string]int32
	entry      int32
	top        int
	tombstones int
}

func newGraph(cfg Config) *graph {
	return &graph{
		m:     cfg.M,
		m0:    2 * cfg.M,
		efC:   cfg.EfConstruction,
		byID:  make(map[string]int32),
		entry: -1,
	}
}

func (g *graph) maxConn(level int) int {
	if level == 0 {
		return g.m0
	}
	return g.m
}

func (g *graph) tombstoneRatio() float64 {
	if len(g.nodes) == 0 {
		return 0
	}
	return float64(g.tombstones) / float64(len(g.nodes))
}

func (g *graph) tombstone(id string) bool {
	h, ok := g.byID[id]
	if !ok {
		return false
	}
	g.nodes[h].tombstoned = true
	g.tombstones++
	delete(g.byID, id)
	return true
}

type point struct {
	id  string
	vec []float32
}

func (g *graph) livePoints() []point {
	out := make([]point, 0, len(g.byID))
	for _, n := range g.nodes {
		if !n.tombstoned {
			out = append(out, point{id: n.id, vec: n.vec})
		}
	}
	return out
}

func (g *graph) insert(id string, vec []float32, level int) {
	h := int32(len(g.nodes))
	g.nodes = append(g.nodes, node{
		id:    id,
		vec:   vec,
		level: level,
		links: make([][]int32, level+1),
	})
	g.byID[id] = h

	if g.entry < 0 {
		g.entry = h
		g.top = level
		return
	}

	ep := []candidate{{h: g.entry, sim: dot(vec, g.nodes[g.entry].vec)}}
	for l := g.top; l > level; l-- {
		ep = g.searchLayer(vec, ep, 1, l)[:1]
	}

	for l := min(level, g.top); l >= 0; l-- {
		found := g.searchLayer(vec, ep, g.efC, l)
		neighbors := g.selectNeighbors(found, g.maxConn(l))

		links := make([]int32, len(neighbors))
		for i, c := range neighbors {
			links[i] = c.h
		}
		g.nodes[h].links[l] = links

		for _, c := range neighbors {
			g.link(c.h, h, l)
		}
		ep = found
	}

	if level > g.top {
		g.entry = h
		g.top = level
	}
}

// link adds a directed edge from -> to at level, pruning from's list when it
// overflows.
func (g *graph) link(from, to int32, level int) {
	n := &g.nodes[from]
	n.links[level] = append(n.links[level], to)
	limit := g.maxConn(level)
	if len(n.links[level]) <= limit {
		return
	}

	cands := make([]candidate, len(n.links[level]))
	for i, nb := range n.links[level] {
		cands[i] = candidate{h: nb, sim: dot(n.vec, g.nodes[nb].vec)}
	}
	sortCandidates(cands)
	kept := g.selectNeighbors(cands, limit)

	links := n.links[level][:0]
	for _, c := range kept {
		links = append(links, c.h)
	}
	n.links[level] = links
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// similarity descending, then fills remaining slots with the closest
// pruned candidates.
func (g *graph) selectNeighbors(cands []candidate, limit int) []candidate {
	if len(cands) <= limit {
		return slices.Clone(cands)
	}

	selected := make([]candidate, 0, limit)
	var pruned []candidate
	for _, c := range cands {
		if len(selected) == limit {
			break
		}
		diverse := true
		for _, s := range selected {
			if dot(g.nodes[c.h].vec, g.nodes[s.h].vec) > c.sim {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(selected) == limit {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// searchLayer returns up to ef nearest nodes at level, tombstoned nodes
// included, sorted by similarity descending.
func (g *graph) searchLayer(q []float32, entry []candidate, ef, level int) []candidate {
	visited := make(map[int32]struct{}, ef*4)
	cands := &maxHeap{}
	results := &minHeap{}

	for _, e := range entry {
		if _, seen := visited[e.h]; seen {
			continue
		}
		visited[e.h] = struct{}{}
		heap.Push(cands, e)
		heap.Push(results, e)
		if results.Len() > ef {
			heap.Pop(results)
		}
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.sim < (*results)[0].sim {
			break
		}
		n := &g.nodes[c.h]
		if level >= len(n.links) {
			continue
		}
		for _, nb := range n.links[level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			s := dot(q, g.nodes[nb].vec)
			if results.Len() < ef || s > (*results)[0].sim {
				heap.Push(cands, candidate{h: nb, sim: s})
				heap.Push(results, candidate{h: nb, sim: s})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := []candidate(*results)
	sortCandidates(out)
	return out
}

// search widens ef until k live hits are found or every node was reachable.
func (g *graph) search(q []float32, k, ef int) []Hit {
	if g.entry < 0 || len(g.byID) == 0 {
		return []Hit{}
	}

	for {
		ep := []candidate{{h: g.entry, sim: dot(q, g.nodes[g.entry].vec)}}
		for l := g.top; l > 0; l-- {
			ep = g.searchLayer(q, ep, 1, l)[:1]
		}
		found := g.searchLayer(q, ep, ef, 0)

		hits := make([]Hit, 0, min(k, len(found)))
		for _, c := range found {
			n := g.nodes[c.h]
			if !n.tombstoned {
				hits = append(hits, Hit{ID: n.id, Similarity: float64(c.sim)})
			}
		}

		if len(hits) >= k || ef >= len(g.nodes) {
			sortHits(hits)
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits
		}
		ef = min(ef*2, len(g.nodes))
	}
}

type candidate struct {
	h   int32
	sim float32
}

func sortCandidates(cs []candidate) {
	slices.SortFunc(cs, func(a, b candidate) int {
		if c := cmp.Compare(b.sim, a.sim); c != 0 {
			return c
		}
		return cmp.Compare(a.h, b.h)
	})
}

// maxHeap pops the most similar candidate first.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].sim > h[j].sim }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// minHeap keeps the least similar result at the root for eviction.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].sim < h[j].sim }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}
