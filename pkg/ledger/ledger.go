// Package ledger accumulates bit evidence for configuration features across
// many experiments.
//
// Every experiment that reveals a feature contributes one ordered list of
// tile-local diffs. Evidence for the same feature must always agree; when it
// does not, the ledger keeps what it saw first and returns a Conflict naming
// the experiments involved, so the caller can re-run or quarantine them.
// Conflicts are ordinary return data, never errors: nondeterminism at one
// sampled location is expected and is fixed by trying elsewhere.
//
// A Ledger is owned by a single scheduling loop and is not safe for
// concurrent writers.
package ledger

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

// ExperimentID identifies one experiment within a device session.
type ExperimentID struct {
	Batch int
	Seq   int
}

func (id ExperimentID) String() string {
	return fmt.Sprintf("b%d.e%d", id.Batch, id.Seq)
}

// ParseExperimentID parses the form produced by ExperimentID.String.
func ParseExperimentID(s string) (ExperimentID, error) {
	var id ExperimentID
	if _, err := fmt.Sscanf(s, "b%d.e%d", &id.Batch, &id.Seq); err != nil {
		return ExperimentID{}, fmt.Errorf("ledger: invalid experiment id %q: %w", s, err)
	}
	return id, nil
}

func compareIDs(a, b ExperimentID) int {
	if c := cmp.Compare(a.Batch, b.Batch); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// FeatureKey names one attribute/value instance. Lane is set for sub-keys
// produced by decomposing a multi-bit attribute one bit at a time.
type FeatureKey struct {
	TileKind string
	Bel      string
	Attr     string
	Value    string
	Lane     int
	HasLane  bool
}

// WithLane returns the sub-key for bit lane i.
func (k FeatureKey) WithLane(i int) FeatureKey {
	k.Lane = i
	k.HasLane = true
	return k
}

// Parent strips the lane from a sub-key.
func (k FeatureKey) Parent() FeatureKey {
	k.Lane = 0
	k.HasLane = false
	return k
}

// Attribute returns the key of the attribute this feature belongs to.
func (k FeatureKey) Attribute() AttrKey {
	return AttrKey{TileKind: k.TileKind, Bel: k.Bel, Attr: k.Attr}
}

func (k FeatureKey) String() string {
	var b strings.Builder
	b.WriteString(k.TileKind)
	b.WriteByte(':')
	b.WriteString(k.Bel)
	b.WriteByte('.')
	b.WriteString(k.Attr)
	if k.Value != "" {
		b.WriteByte('=')
		b.WriteString(k.Value)
	}
	if k.HasLane {
		fmt.Fprintf(&b, "[%d]", k.Lane)
	}
	return b.String()
}

// CompareKeys orders feature keys for stable iteration.
func CompareKeys(a, b FeatureKey) int {
	return cmp.Or(
		cmp.Compare(a.TileKind, b.TileKind),
		cmp.Compare(a.Bel, b.Bel),
		cmp.Compare(a.Attr, b.Attr),
		cmp.Compare(a.Value, b.Value),
		compareBool(a.HasLane, b.HasLane),
		cmp.Compare(a.Lane, b.Lane),
	)
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// TileDiff is a diff translated into tile-local coordinates.
type TileDiff map[bitaddr.TileBit]bool

// Equal reports whether two diffs touch the same bits with the same values.
func (d TileDiff) Equal(o TileDiff) bool {
	return maps.Equal(d, o)
}

// Bits returns the touched bits in ascending order.
func (d TileDiff) Bits() []bitaddr.TileBit {
	return slices.SortedFunc(maps.Keys(d), bitaddr.CompareTileBits)
}

func (d TileDiff) String() string {
	parts := make([]string, 0, len(d))
	for _, tb := range d.Bits() {
		prefix := ""
		if !d[tb] {
			prefix = "!"
		}
		parts = append(parts, prefix+tb.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func equalDiffLists(a, b []TileDiff) bool {
	return slices.EqualFunc(a, b, TileDiff.Equal)
}

func cloneDiffs(in []TileDiff) []TileDiff {
	out := make([]TileDiff, len(in))
	for i, d := range in {
		out[i] = maps.Clone(d)
		if out[i] == nil {
			out[i] = TileDiff{}
		}
	}
	return out
}

// Evidence is what one insert contributes.
type Evidence struct {
	Diffs        []TileDiff     // One diff per lane or variant, in order
	Sources      []ExperimentID // Experiments that produced the diffs
	Decomposable bool           // Split multi-bit evidence into lane sub-keys
}

// Entry is the stored evidence for one feature key.
type Entry struct {
	Diffs   []TileDiff
	Sources []ExperimentID
}

// Conflict reports evidence that disagrees with what the ledger already holds
// for the same key.
type Conflict struct {
	Key      FeatureKey
	Stored   []TileDiff
	Incoming []TileDiff
	Prior    []ExperimentID // Experiments behind the stored evidence
	Sources  []ExperimentID // Experiments behind the rejected evidence
}

func (c Conflict) Error() string {
	return fmt.Sprintf("ledger: conflicting evidence for %v: stored %v from %v, got %v from %v",
		c.Key, c.Stored, c.Prior, c.Incoming, c.Sources)
}

// Ledger maps feature keys to their accumulated evidence.
type Ledger struct {
	entries map[FeatureKey]*Entry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[FeatureKey]*Entry)}
}

// Insert records evidence for key.
//
// Decomposable evidence touching more than one bit is stored under
// key.WithLane(i) instead of under key itself, so that bits learned by
// unrelated experiments never conflict with a multi-bit record. A list of
// several diffs is split one lane per diff; a single multi-bit diff is split
// one lane per touched bit, in ascending bit order.
//
// The returned conflicts are empty on success. On conflict the stored entry
// is left untouched.
func (l *Ledger) Insert(key FeatureKey, ev Evidence) []Conflict {
	if ev.Decomposable && !key.HasLane {
		switch {
		case len(ev.Diffs) > 1:
			return l.insertLanes(key, ev.Diffs, ev.Sources)
		case len(ev.Diffs) == 1 && len(ev.Diffs[0]) > 1:
			d := ev.Diffs[0]
			lanes := make([]TileDiff, 0, len(d))
			for _, bit := range d.Bits() {
				lanes = append(lanes, TileDiff{bit: d[bit]})
			}
			return l.insertLanes(key, lanes, ev.Sources)
		}
	}
	if c, ok := l.insert(key, ev.Diffs, ev.Sources); !ok {
		return []Conflict{c}
	}
	return nil
}

func (l *Ledger) insertLanes(key FeatureKey, lanes []TileDiff, sources []ExperimentID) []Conflict {
	var conflicts []Conflict
	for i, d := range lanes {
		if c, ok := l.insert(key.WithLane(i), []TileDiff{d}, sources); !ok {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

func (l *Ledger) insert(key FeatureKey, diffs []TileDiff, sources []ExperimentID) (Conflict, bool) {
	entry, ok := l.entries[key]
	if !ok {
		l.entries[key] = &Entry{
			Diffs:   cloneDiffs(diffs),
			Sources: appendUnique(nil, sources),
		}
		return Conflict{}, true
	}
	if !equalDiffLists(entry.Diffs, diffs) {
		return Conflict{
			Key:      key,
			Stored:   cloneDiffs(entry.Diffs),
			Incoming: cloneDiffs(diffs),
			Prior:    slices.Clone(entry.Sources),
			Sources:  slices.Clone(sources),
		}, false
	}
	entry.Sources = appendUnique(entry.Sources, sources)
	return Conflict{}, true
}

func appendUnique(dst, src []ExperimentID) []ExperimentID {
	for _, id := range src {
		if !slices.Contains(dst, id) {
			dst = append(dst, id)
		}
	}
	return dst
}

// Get returns the entry stored under key. The returned entry must be treated
// as read-only.
func (l *Ledger) Get(key FeatureKey) (Entry, bool) {
	entry, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of stored keys.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Keys returns all stored keys in CompareKeys order.
func (l *Ledger) Keys() []FeatureKey {
	return slices.SortedFunc(maps.Keys(l.entries), CompareKeys)
}

// NextBatch returns the first batch index not used by any recorded source.
// A session resuming from this ledger numbers its batches from here so its
// experiment IDs never collide with stored ones.
func (l *Ledger) NextBatch() int {
	next := 0
	for _, e := range l.entries {
		for _, id := range e.Sources {
			next = max(next, id.Batch+1)
		}
	}
	return next
}

// Restore installs an entry verbatim, replacing anything stored under key.
// It exists for loading persisted ledgers and bypasses conflict checking.
func (l *Ledger) Restore(key FeatureKey, entry Entry) {
	l.entries[key] = &Entry{
		Diffs:   cloneDiffs(entry.Diffs),
		Sources: slices.Clone(entry.Sources),
	}
}

// SortedSources returns the entry's sources in batch/sequence order.
func (e Entry) SortedSources() []ExperimentID {
	out := slices.Clone(e.Sources)
	slices.SortFunc(out, compareIDs)
	return out
}
