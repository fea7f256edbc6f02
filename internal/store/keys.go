// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/memfabric/pkg/types"
)

// Persisted key layout:
//
//	rec/<layer>/<id>              JSON record
//	due/<layer>/<unix-nano>/<id>  time-ordered review index (empty value)
//	idx/<layer>                   HNSW snapshot
//	emb/<hash>                    embedding cache entry
const (
	prefixRecord   = "rec/"
	prefixDue      = "due/"
	prefixSnapshot = "idx/"
	prefixCache    = "emb/"
)

func RecordKey(layer types.Layer, id string) []byte {
	return []byte(prefixRecord + string(layer) + "/" + id)
}

// RecordPrefix returns the prefix of every record key, or of one layer's
// record keys when layer is non-empty.
func RecordPrefix(layer types.Layer) []byte {
	if layer == "" {
		return []byte(prefixRecord)
	}
	return []byte(prefixRecord + string(layer) + "/")
}

// DueKey encodes a review time so that byte order matches time order.
// Times before the epoch clamp to zero.
func DueKey(layer types.Layer, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixDue, layer, max(at.UnixNano(), 0), id))
}

func DuePrefix(layer types.Layer) []byte {
	return []byte(prefixDue + string(layer) + "/")
}

// ParseDueKey decodes a key produced by DueKey.
func ParseDueKey(key []byte) (layer types.Layer, at time.Time, id string, ok bool) {
	rest, found := strings.CutPrefix(string(key), prefixDue)
	if !found {
		return "", time.Time{}, "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", time.Time{}, "", false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, "", false
	}
	return types.Layer(parts[0]), time.Unix(0, nanos).UTC(), parts[2], true
}

func SnapshotKey(layer types.Layer) []byte {
	return []byte(prefixSnapshot + string(layer))
}

func CacheKey(hash string) []byte {
	return []byte(prefixCache + hash)
}

func CachePrefix() []byte {
	return []byte(prefixCache)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
