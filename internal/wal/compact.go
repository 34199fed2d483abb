package wal

import "sort"

// Compact collapses a replayed entry list for idempotent paths: only the
// latest write per path survives, plus a delete when it is the last
// operation recorded for that path. Entries with other operation tags
// (audit and the domain variants) pass through untouched. Output order is
// by sequence number.
func Compact(entries []Entry) []Entry {
	latest := make(map[string]Entry)
	var passthrough []Entry

	for _, e := range entries {
		switch e.Op {
		case OpWrite, OpDelete:
			cur, ok := latest[e.Path]
			if !ok || e.Seq > cur.Seq {
				latest[e.Path] = e
			}
		default:
			passthrough = append(passthrough, e)
		}
	}

	out := make([]Entry, 0, len(latest)+len(passthrough))
	out = append(out, passthrough...)
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
