// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package index

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Snapshot layout, little endian:
//
//	header   magic[8] dims u32 metric u8 m u32 entry i32 top u32 nodes u32
//	nodes    per node: flags u8 level u32 idlen u32 id vec[dims]f32
//	         then per level: count u32 handles[count]i32
//	offsets  count u32, per live node: idlen u32 id offset u64
//	trailer  xxhash64 of everything above
var snapshotMagic = [8]byte{'M', 'F', 'H', 'N', 'S', 'W', '0', '1'}

const trailerSize = 8

// MarshalBinary encodes the graph with an id-to-offset table and checksum.
func (h *HNSW) MarshalBinary() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	g := h.g
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.Write(snapshotMagic[:])
	w(uint32(h.cfg.Dimensions))
	w(metricByte(h.cfg.Metric))
	w(uint32(h.cfg.M))
	w(g.entry)
	w(uint32(g.top))
	w(uint32(len(g.nodes)))

	offsets := make([]uint64, len(g.nodes))
	for i, n := range g.nodes {
		offsets[i] = uint64(buf.Len())
		var flags uint8
		if n.tombstoned {
			flags = 1
		}
		w(flags)
		w(uint32(n.level))
		w(uint32(len(n.id)))
		buf.WriteString(n.id)
		w(n.vec)
		for _, links := range n.links {
			w(uint32(len(links)))
			w(links)
		}
	}

	w(uint32(len(g.byID)))
	for i, n := range g.nodes {
		if n.tombstoned {
			continue
		}
		w(uint32(len(n.id)))
		buf.WriteString(n.id)
		w(offsets[i])
	}

	w(xxhash.Sum64(buf.Bytes()))
	return buf.Bytes(), nil
}

// UnmarshalHNSW decodes a snapshot produced by MarshalBinary. cfg supplies
// the tuning for future inserts; its dimensions, metric and M must match
// the snapshot.
func UnmarshalHNSW(data []byte, cfg Config) (*HNSW, error) {
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if len(data) < len(snapshotMagic)+trailerSize {
		return nil, corrupt("snapshot truncated")
	}
	body := data[:len(data)-trailerSize]
	want := binary.LittleEndian.Uint64(data[len(data)-trailerSize:])
	if xxhash.Sum64(body) != want {
		return nil, corrupt("snapshot checksum mismatch")
	}

	d := &decoder{r: bytes.NewReader(body)}
	var magic [8]byte
	d.read(&magic)
	if magic != snapshotMagic {
		return nil, corrupt("snapshot magic mismatch")
	}

	var (
		dims, m, top, count uint32
		metric              uint8
		entry               int32
	)
	d.read(&dims)
	d.read(&metric)
	d.read(&m)
	d.read(&entry)
	d.read(&top)
	d.read(&count)
	if d.err != nil {
		return nil, corrupt("snapshot header unreadable")
	}
	if int(dims) != h.cfg.Dimensions || metric != metricByte(h.cfg.Metric) || int(m) != h.cfg.M {
		return nil, corrupt("snapshot built with different index parameters")
	}
	if uint64(count)*uint64(dims)*4 > uint64(len(body)) {
		return nil, corrupt("snapshot node count exceeds payload")
	}

	g := newGraph(h.cfg)
	g.nodes = make([]node, 0, count)
	offsets := make(map[uint64]int32, count)
	for i := range count {
		offsets[uint64(d.pos(len(body)))] = int32(i)

		var flags uint8
		var level uint32
		d.read(&flags)
		d.read(&level)
		id := d.str(len(body))
		if d.err != nil || level > maxLevel {
			return nil, corrupt("snapshot node unreadable")
		}

		n := node{id: id, level: int(level), tombstoned: flags&1 == 1}
		n.vec = make([]float32, dims)
		d.read(n.vec)
		n.links = make([][]int32, level+1)
		for l := range n.links {
			var nl uint32
			d.read(&nl)
			if d.err != nil || nl > count {
				return nil, corrupt("snapshot link list unreadable")
			}
			n.links[l] = make([]int32, nl)
			d.read(n.links[l])
		}
		if d.err != nil {
			return nil, corrupt("snapshot node unreadable")
		}
		g.nodes = append(g.nodes, n)
		if n.tombstoned {
			g.tombstones++
		}
	}

	for _, n := range g.nodes {
		for l, links := range n.links {
			for _, nb := range links {
				if nb < 0 || int(nb) >= len(g.nodes) || g.nodes[nb].level < l {
					return nil, corrupt("snapshot link out of range")
				}
			}
		}
	}

	var live uint32
	d.read(&live)
	if d.err != nil || int(live) != len(g.nodes)-g.tombstones {
		return nil, corrupt("snapshot offset table size mismatch")
	}
	for range live {
		id := d.str(len(body))
		var off uint64
		d.read(&off)
		if d.err != nil {
			return nil, corrupt("snapshot offset table unreadable")
		}
		hd, ok := offsets[off]
		if !ok || g.nodes[hd].id != id || g.nodes[hd].tombstoned {
			return nil, corrupt("snapshot offset table does not match nodes")
		}
		if _, dup := g.byID[id]; dup {
			return nil, corrupt("snapshot offset table has duplicate ids")
		}
		g.byID[id] = hd
	}
	if d.r.Len() != 0 {
		return nil, corrupt("snapshot has trailing bytes")
	}

	if count == 0 {
		entry = -1
	} else if entry < 0 || int(entry) >= len(g.nodes) || g.nodes[entry].level != int(top) {
		return nil, corrupt("snapshot entry point invalid")
	}
	g.entry = entry
	g.top = int(top)

	h.g = g
	return h, nil
}

func corrupt(msg string) error {
	return mferr.New(mferr.CodeIndexSnapshotCorrupt, msg)
}

func metricByte(m Metric) uint8 {
	if m == MetricDot {
		return 1
	}
	return 0
}

// decoder reads little-endian values and keeps the first error.
type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, binary.LittleEndian, v)
}

func (d *decoder) pos(total int) int {
	return total - d.r.Len()
}

func (d *decoder) str(total int) string {
	var n uint32
	d.read(&n)
	if d.err != nil {
		return ""
	}
	if int64(n) > int64(d.r.Len()) || n > math.MaxInt32 || int(n) > total {
		d.err = mferr.New(mferr.CodeIndexSnapshotCorrupt, "string length out of range")
		return ""
	}
	b := make([]byte, n)
	d.read(b)
	return string(b)
}
