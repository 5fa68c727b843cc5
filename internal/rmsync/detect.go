package rmsync

import (
	"sort"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
)

// Classification is the change state of one current aggregate.
type Classification int

const (
	ClassNew Classification = iota
	ClassChanged
	ClassUnchanged
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "NEW"
	case ClassChanged:
		return "CHANGED"
	case ClassUnchanged:
		return "UNCHANGED"
	}
	return "UNKNOWN"
}

// Classified is a current aggregate with its fingerprint and, unless it is
// ClassNew, the synced record it was compared against.
type Classified struct {
	Aggregate Aggregate
	Hash      string
	Class     Classification
	Prior     *model.SyncedEntry
}

// Detection splits current aggregates into exactly one bucket each. Orphaned
// holds prior records that no current aggregate matched.
type Detection struct {
	New       []Classified
	Changed   []Classified
	Unchanged []Classified
	Orphaned  []model.SyncedEntry
}

// Total is the number of classified current aggregates.
func (d Detection) Total() int {
	return len(d.New) + len(d.Changed) + len(d.Unchanged)
}

// Detect compares current aggregates with the synced records of the same
// keys. Buckets are sorted by key.
func Detect(current map[string]Aggregate, prior map[string]model.SyncedEntry) Detection {
	var d Detection
	for _, key := range sortedKeys(current) {
		a := current[key]
		c := Classified{Aggregate: a, Hash: CalculateAggregateHash(a)}
		p, ok := prior[key]
		switch {
		case !ok:
			c.Class = ClassNew
			d.New = append(d.New, c)
		case p.LastSyncedHash != c.Hash:
			c.Class = ClassChanged
			c.Prior = &p
			d.Changed = append(d.Changed, c)
		default:
			c.Class = ClassUnchanged
			c.Prior = &p
			d.Unchanged = append(d.Unchanged, c)
		}
	}
	for _, key := range sortedKeys(prior) {
		if _, ok := current[key]; !ok {
			d.Orphaned = append(d.Orphaned, prior[key])
		}
	}
	return d
}

// PriorByKey indexes synced records by their aggregate key.
func PriorByKey(synced []model.SyncedEntry) map[string]model.SyncedEntry {
	out := make(map[string]model.SyncedEntry, len(synced))
	for _, se := range synced {
		out[Key(se.ProjectID, se.AggregationDate)] = se
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
