package cards

import (
	"sort"

	"github.com/BaSui01/cardflow/types"
)

// Resolver is the read side shared by Registry and View.
type Resolver interface {
	Resolve(kind Kind, id string) (Card, error)
	List(kind Kind) []string
}

// Registry is an immutable set of cards keyed by (kind, id).
// Cards returned by Resolve are shared and must not be mutated.
type Registry struct {
	cards map[Key]Card
}

// NewRegistry validates cards and builds a registry. Duplicate keys are rejected.
func NewRegistry(cards ...Card) (*Registry, error) {
	r := &Registry{cards: make(map[Key]Card, len(cards))}
	for _, c := range cards {
		if err := Validate(c); err != nil {
			return nil, err
		}
		key := Key{Kind: c.Kind(), ID: c.CardID()}
		if _, dup := r.cards[key]; dup {
			return nil, types.NewValidationError(c.CardID(), "duplicate %s card id", c.Kind())
		}
		r.cards[key] = c
	}
	return r, nil
}

// emptyRegistry is used when no baseline root is configured.
func emptyRegistry() *Registry {
	return &Registry{cards: map[Key]Card{}}
}

// Resolve returns the card or a NOT_FOUND error.
func (r *Registry) Resolve(kind Kind, id string) (Card, error) {
	if r != nil {
		if c, ok := r.cards[Key{Kind: kind, ID: id}]; ok {
			return c, nil
		}
	}
	return nil, types.NewNotFoundError(string(kind), id)
}

// List returns the sorted ids of every card of kind.
func (r *Registry) List(kind Kind) []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0)
	for key := range r.cards {
		if key.Kind == kind {
			ids = append(ids, key.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cards.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.cards)
}

// Get resolves a card and asserts its concrete variant.
func Get[T Card](r Resolver, kind Kind, id string) (T, error) {
	var zero T
	c, err := r.Resolve(kind, id)
	if err != nil {
		return zero, err
	}
	typed, ok := c.(T)
	if !ok {
		return zero, types.NewValidationError(id, "card is %s, not the expected variant", c.Kind())
	}
	return typed, nil
}

// FindBinding returns the binding that declares modelID supports capabilityID.
func FindBinding(r Resolver, modelID, capabilityID string) (*CapabilityBindingCard, bool) {
	for _, id := range r.List(KindCapabilityBinding) {
		b, err := Get[*CapabilityBindingCard](r, KindCapabilityBinding, id)
		if err != nil {
			continue
		}
		if b.ModelID == modelID && b.CapabilityID == capabilityID {
			return b, true
		}
	}
	return nil, false
}
