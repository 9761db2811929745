// Package domain defines the transaction model shared by the pipeline, its
// middlewares, storage adapters and plugins: documents, queries, the Tx sum
// type, class hierarchy metadata and the platform error taxonomy.
package domain

import (
	"strings"
	"time"
)

// Ref identifies a document, class, space or account.
type Ref string

// Timestamp is a wall-clock instant in milliseconds since the Unix epoch.
type Timestamp int64

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

// Time converts the timestamp back to time.Time in UTC.
func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)).UTC() }

// WorkspaceID identifies a tenant workspace.
type WorkspaceID string

// Domain names the storage partition a class persists into.
type Domain string

// Storage domains used by the core classes.
const (
	DomainModel    Domain = "model"
	DomainTx       Domain = "tx"
	DomainSpace    Domain = "space"
	DomainSequence Domain = "sequence"
	DomainStatus   Domain = "status"
	DomainBlob     Domain = "blob"
	DomainDocument Domain = "document"
)

// Fixed document field names addressable from queries and update operations.
const (
	FieldID              = "_id"
	FieldClass           = "_class"
	FieldSpace           = "space"
	FieldModifiedOn      = "modifiedOn"
	FieldModifiedBy      = "modifiedBy"
	FieldCreatedOn       = "createdOn"
	FieldCreatedBy       = "createdBy"
	FieldAttachedTo      = "attachedTo"
	FieldAttachedToClass = "attachedToClass"
	FieldCollection      = "collection"
)

// Doc is a stored document. Well-known fields live in the struct, everything
// else in Attributes. Mixin attributes are kept per mixin class.
type Doc struct {
	ID              Ref                    `json:"_id"`
	Class           Ref                    `json:"_class"`
	Space           Ref                    `json:"space"`
	ModifiedOn      Timestamp              `json:"modifiedOn"`
	ModifiedBy      Ref                    `json:"modifiedBy,omitempty"`
	CreatedOn       Timestamp              `json:"createdOn,omitempty"`
	CreatedBy       Ref                    `json:"createdBy,omitempty"`
	AttachedTo      Ref                    `json:"attachedTo,omitempty"`
	AttachedToClass Ref                    `json:"attachedToClass,omitempty"`
	Collection      string                 `json:"collection,omitempty"`
	Attributes      map[string]any         `json:"attributes,omitempty"`
	Mixins          map[Ref]map[string]any `json:"mixins,omitempty"`
}

// Get resolves a field path against the document. Paths may address fixed
// fields, attributes, nested attribute maps ("a.b") or mixin attributes
// ("<mixin>.<attr>").
func (d *Doc) Get(path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	switch path {
	case FieldID:
		return string(d.ID), true
	case FieldClass:
		return string(d.Class), true
	case FieldSpace:
		return string(d.Space), true
	case FieldModifiedOn:
		return int64(d.ModifiedOn), true
	case FieldModifiedBy:
		return string(d.ModifiedBy), d.ModifiedBy != ""
	case FieldCreatedOn:
		return int64(d.CreatedOn), d.CreatedOn != 0
	case FieldCreatedBy:
		return string(d.CreatedBy), d.CreatedBy != ""
	case FieldAttachedTo:
		return string(d.AttachedTo), d.AttachedTo != ""
	case FieldAttachedToClass:
		return string(d.AttachedToClass), d.AttachedToClass != ""
	case FieldCollection:
		return d.Collection, d.Collection != ""
	}
	if v, ok := lookupPath(d.Attributes, path); ok {
		return v, true
	}
	for mixin, attrs := range d.Mixins {
		prefix := string(mixin) + "."
		if strings.HasPrefix(path, prefix) {
			return lookupPath(attrs, path[len(prefix):])
		}
	}
	return nil, false
}

// Attr returns a top-level attribute value or nil.
func (d *Doc) Attr(name string) any {
	if d == nil || d.Attributes == nil {
		return nil
	}
	return d.Attributes[name]
}

// AttrString returns a string attribute, accepting Ref values.
func (d *Doc) AttrString(name string) string {
	switch v := d.Attr(name).(type) {
	case string:
		return v
	case Ref:
		return string(v)
	}
	return ""
}

// AttrBool returns a boolean attribute, false when absent.
func (d *Doc) AttrBool(name string) bool {
	b, _ := d.Attr(name).(bool)
	return b
}

// AttrInt returns a numeric attribute truncated to int64.
func (d *Doc) AttrInt(name string) (int64, bool) {
	f, ok := toFloat(d.Attr(name))
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// AttrRefs returns an array attribute as refs. Non-string members are skipped.
func (d *Doc) AttrRefs(name string) []Ref {
	var out []Ref
	for _, v := range toList(d.Attr(name)) {
		switch s := v.(type) {
		case string:
			out = append(out, Ref(s))
		case Ref:
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Attributes = cloneMap(d.Attributes)
	if d.Mixins != nil {
		cp.Mixins = make(map[Ref]map[string]any, len(d.Mixins))
		for k, v := range d.Mixins {
			cp.Mixins[k] = cloneMap(v)
		}
	}
	return &cp
}

func lookupPath(attrs map[string]any, path string) (any, bool) {
	if attrs == nil {
		return nil, false
	}
	if v, ok := attrs[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	nested, ok := attrs[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(nested, rest)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []Ref:
		return append([]Ref(nil), t...)
	default:
		return v
	}
}
