package cards

import (
	"sort"

	"github.com/BaSui01/cardflow/types"
)

// View merges an overlay over a baseline registry. Overlay entries win.
type View struct {
	base    *Registry
	overlay *Overlay
}

// NewView creates a merged view. Either side may be nil.
func NewView(base *Registry, overlay *Overlay) *View {
	if base == nil {
		base = emptyRegistry()
	}
	return &View{base: base, overlay: overlay}
}

// Overlay returns the writable layer of the view, or nil.
func (v *View) Overlay() *Overlay { return v.overlay }

// Resolve returns the overlay card if present, otherwise the baseline card.
func (v *View) Resolve(kind Kind, id string) (Card, error) {
	if e, ok := v.overlay.lookup(Key{Kind: kind, ID: id}); ok {
		if e.hidden {
			return nil, types.NewNotFoundError(string(kind), id)
		}
		return e.card, nil
	}
	return v.base.Resolve(kind, id)
}

// List returns the union of baseline and overlay ids, minus hidden ones.
func (v *View) List(kind Kind) []string {
	return v.Snapshot().List(kind)
}

// Snapshot freezes the merged view. Later overlay writes do not affect it.
func (v *View) Snapshot() *Registry {
	merged := make(map[Key]Card, v.base.Len())
	for k, c := range v.base.cards {
		merged[k] = c
	}
	for k, e := range v.overlay.snapshot() {
		if e.hidden {
			delete(merged, k)
			continue
		}
		merged[k] = e.card
	}
	return &Registry{cards: merged}
}

// Keys returns every merged key sorted by kind then id.
func (v *View) Keys() []Key {
	snap := v.Snapshot()
	keys := make([]Key, 0, len(snap.cards))
	for k := range snap.cards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}
