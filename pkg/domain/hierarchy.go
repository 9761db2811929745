package domain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// ClassKind distinguishes concrete classes from mixins.
type ClassKind uint8

// Class kinds.
const (
	ClassKindClass ClassKind = iota
	ClassKindMixin
)

// AttributeType is the declared type of a class attribute.
type AttributeType string

// Attribute types.
const (
	AttrString     AttributeType = "string"
	AttrNumber     AttributeType = "number"
	AttrBool       AttributeType = "bool"
	AttrRef        AttributeType = "ref"
	AttrArray      AttributeType = "array"
	AttrIdentifier AttributeType = "identifier"
	AttrCollection AttributeType = "collection"
)

// Attribute declares a class attribute. Of names the element class of
// collections and the target class of refs. Owner is set on registration.
type Attribute struct {
	Name  string        `json:"name" yaml:"name"`
	Type  AttributeType `json:"type" yaml:"type"`
	Of    Ref           `json:"of,omitempty" yaml:"of,omitempty"`
	Owner Ref           `json:"owner,omitempty" yaml:"-"`
}

// GuestAccess declares which transaction kinds guests may issue against a
// class.
type GuestAccess struct {
	Create bool `json:"create" yaml:"create"`
	Update bool `json:"update" yaml:"update"`
	Remove bool `json:"remove" yaml:"remove"`
}

// Class is schema metadata for documents of one class.
type Class struct {
	ID         Ref          `json:"_id"`
	Extends    Ref          `json:"extends,omitempty"`
	Kind       ClassKind    `json:"kind"`
	Domain     Domain       `json:"domain,omitempty"`
	Label      string       `json:"label,omitempty"`
	Attributes []Attribute  `json:"attributes,omitempty"`
	Guest      *GuestAccess `json:"guest,omitempty"`
	FullText   bool         `json:"fullText,omitempty"`
}

// Hierarchy indexes class definitions and their ancestry. Lookups use the
// precomputed ancestor chains; classes are registered parents first.
type Hierarchy struct {
	mu          sync.RWMutex
	classes     map[Ref]*Class
	ancestors   map[Ref][]Ref
	descendants map[Ref][]Ref
}

// NewHierarchy returns an empty hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		classes:     make(map[Ref]*Class),
		ancestors:   make(map[Ref][]Ref),
		descendants: make(map[Ref][]Ref),
	}
}

// AddClass registers c. The parent must already be registered.
func (h *Hierarchy) AddClass(c Class) error {
	if c.ID == "" {
		return fmt.Errorf("class id required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.classes[c.ID]; exists {
		return fmt.Errorf("class %s already registered", c.ID)
	}
	chain := []Ref{c.ID}
	if c.Extends != "" {
		parent, ok := h.ancestors[c.Extends]
		if !ok {
			return fmt.Errorf("class %s extends unknown class %s", c.ID, c.Extends)
		}
		chain = append(chain, parent...)
	}
	stored := c
	stored.Attributes = make([]Attribute, len(c.Attributes))
	for i, attr := range c.Attributes {
		attr.Owner = c.ID
		stored.Attributes[i] = attr
	}
	if c.Guest != nil {
		g := *c.Guest
		stored.Guest = &g
	}
	h.classes[c.ID] = &stored
	h.ancestors[c.ID] = chain
	for _, anc := range chain {
		h.descendants[anc] = append(h.descendants[anc], c.ID)
	}
	return nil
}

// MustAddClass registers c and panics on error. For static model setup.
func (h *Hierarchy) MustAddClass(c Class) {
	if err := h.AddClass(c); err != nil {
		panic(err)
	}
}

// HasClass reports whether ref is registered.
func (h *Hierarchy) HasClass(ref Ref) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.classes[ref]
	return ok
}

// Class returns a copy of the class definition.
func (h *Hierarchy) Class(ref Ref) (Class, bool) {
	h.mu.RLock()
	c, ok := h.classes[ref]
	h.mu.RUnlock()
	if !ok {
		return Class{}, false
	}
	var out Class
	if err := deepcopy.Copy(&out, *c); err != nil {
		return *c, true
	}
	return out, true
}

// IsDerived reports whether cls is base or extends it.
func (h *Hierarchy) IsDerived(cls, base Ref) bool {
	if cls == base {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, anc := range h.ancestors[cls] {
		if anc == base {
			return true
		}
	}
	return false
}

// Ancestors returns cls followed by its ancestors, nearest first.
func (h *Hierarchy) Ancestors(cls Ref) []Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Ref(nil), h.ancestors[cls]...)
}

// Descendants returns cls and every class derived from it.
func (h *Hierarchy) Descendants(cls Ref) []Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Ref(nil), h.descendants[cls]...)
}

// Domain returns the storage domain of cls, inherited from the nearest
// ancestor declaring one.
func (h *Hierarchy) Domain(cls Ref) Domain {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, anc := range h.ancestors[cls] {
		if d := h.classes[anc].Domain; d != "" {
			return d
		}
	}
	return DomainDocument
}

// Domains returns every storage domain a registered class maps to, plus
// the transaction log, sorted.
func (h *Hierarchy) Domains() []Domain {
	h.mu.RLock()
	refs := make([]Ref, 0, len(h.classes))
	for ref := range h.classes {
		refs = append(refs, ref)
	}
	h.mu.RUnlock()
	seen := map[Domain]struct{}{DomainTx: {}}
	for _, ref := range refs {
		seen[h.Domain(ref)] = struct{}{}
	}
	out := make([]Domain, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllAttributes returns the attributes of cls and its ancestors. A nearer
// declaration shadows an inherited one of the same name.
func (h *Hierarchy) AllAttributes(cls Ref) []Attribute {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []Attribute
	for _, anc := range h.ancestors[cls] {
		for _, attr := range h.classes[anc].Attributes {
			if _, dup := seen[attr.Name]; dup {
				continue
			}
			seen[attr.Name] = struct{}{}
			out = append(out, attr)
		}
	}
	return out
}

// FindAttribute looks up a named attribute on cls or its ancestors.
func (h *Hierarchy) FindAttribute(cls Ref, name string) (Attribute, bool) {
	for _, attr := range h.AllAttributes(cls) {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

// AttributesOfType returns the attributes of cls with type t.
func (h *Hierarchy) AttributesOfType(cls Ref, t AttributeType) []Attribute {
	var out []Attribute
	for _, attr := range h.AllAttributes(cls) {
		if attr.Type == t {
			out = append(out, attr)
		}
	}
	return out
}

// GuestAccess returns the nearest guest access declaration for cls.
func (h *Hierarchy) GuestAccess(cls Ref) (GuestAccess, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, anc := range h.ancestors[cls] {
		if g := h.classes[anc].Guest; g != nil {
			return *g, true
		}
	}
	return GuestAccess{}, false
}

// IsFullText reports whether cls or an ancestor is full-text indexed.
func (h *Hierarchy) IsFullText(cls Ref) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, anc := range h.ancestors[cls] {
		if h.classes[anc].FullText {
			return true
		}
	}
	return false
}
