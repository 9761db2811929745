package domain

// Kind enumerates the closed set of transaction variants.
type Kind uint8

// Transaction kinds.
const (
	KindCreateDoc Kind = iota + 1
	KindUpdateDoc
	KindRemoveDoc
	KindMixin
	KindCollection
	KindApplyIf
)

// Class refs carried in the "_class" field of encoded transactions.
const (
	ClassTxCreateDoc     Ref = "core:class:TxCreateDoc"
	ClassTxUpdateDoc     Ref = "core:class:TxUpdateDoc"
	ClassTxRemoveDoc     Ref = "core:class:TxRemoveDoc"
	ClassTxMixin         Ref = "core:class:TxMixin"
	ClassTxCollectionCUD Ref = "core:class:TxCollectionCUD"
	ClassTxApplyIf       Ref = "core:class:TxApplyIf"
)

// Class returns the encoded class ref for the kind.
func (k Kind) Class() Ref {
	switch k {
	case KindCreateDoc:
		return ClassTxCreateDoc
	case KindUpdateDoc:
		return ClassTxUpdateDoc
	case KindRemoveDoc:
		return ClassTxRemoveDoc
	case KindMixin:
		return ClassTxMixin
	case KindCollection:
		return ClassTxCollectionCUD
	case KindApplyIf:
		return ClassTxApplyIf
	}
	return ""
}

func (k Kind) String() string {
	switch k {
	case KindCreateDoc:
		return "create"
	case KindUpdateDoc:
		return "update"
	case KindRemoveDoc:
		return "remove"
	case KindMixin:
		return "mixin"
	case KindCollection:
		return "collection"
	case KindApplyIf:
		return "apply-if"
	}
	return "unknown"
}

// Tx is a transaction. The set of implementations is closed to this package;
// switch on the concrete type or on Kind.
//
// Transactions are immutable once built. Rewrites return new values and never
// modify attribute or operation maps in place.
type Tx interface {
	Kind() Kind
	Header() TxBase
	isTx()
}

// TxBase is the header shared by every transaction.
type TxBase struct {
	ID         Ref       `json:"_id"`
	Space      Ref       `json:"space"`
	ModifiedBy Ref       `json:"modifiedBy"`
	ModifiedOn Timestamp `json:"modifiedOn"`
}

// Header returns a copy of the header.
func (b TxBase) Header() TxBase { return b }

// TxCUD addresses a single target document.
type TxCUD struct {
	TxBase
	ObjectID    Ref `json:"objectId"`
	ObjectClass Ref `json:"objectClass"`
	ObjectSpace Ref `json:"objectSpace"`
}

// Target returns the addressing part of a document transaction.
func (c TxCUD) Target() TxCUD { return c }

// CUD is implemented by every kind that targets one document.
type CUD interface {
	Tx
	Target() TxCUD
}

// TxCreateDoc creates a document with the full attribute set.
type TxCreateDoc struct {
	TxCUD
	Attributes map[string]any `json:"attributes"`
}

// TxUpdateDoc applies an operator map to an existing document.
type TxUpdateDoc struct {
	TxCUD
	Operations Operations `json:"operations"`
	Retrieve   bool       `json:"retrieve,omitempty"`
}

// TxRemoveDoc removes a document.
type TxRemoveDoc struct {
	TxCUD
}

// TxMixin applies mixin attributes to an existing document.
type TxMixin struct {
	TxCUD
	Mixin      Ref            `json:"mixin"`
	Attributes map[string]any `json:"attributes"`
}

// TxCollectionCUD wraps a create, update or remove of a document attached to
// the target object under a collection attribute.
type TxCollectionCUD struct {
	TxCUD
	Collection string `json:"collection"`
	Tx         Tx     `json:"tx"`
}

// MatchPredicate is a query that must (or must not) match at least one
// document of Class for a TxApplyIf to apply.
type MatchPredicate struct {
	Class Ref   `json:"_class"`
	Query Query `json:"query"`
}

// TxApplyIf groups inner transactions that commit together only when every
// Match predicate holds and no NotMatch predicate does. Without predicates it
// is a plain atomic batch.
type TxApplyIf struct {
	TxBase
	Scope    string           `json:"scope,omitempty"`
	Match    []MatchPredicate `json:"match,omitempty"`
	NotMatch []MatchPredicate `json:"notMatch,omitempty"`
	Txes     []Tx             `json:"txes"`
}

func (*TxCreateDoc) Kind() Kind     { return KindCreateDoc }
func (*TxUpdateDoc) Kind() Kind     { return KindUpdateDoc }
func (*TxRemoveDoc) Kind() Kind     { return KindRemoveDoc }
func (*TxMixin) Kind() Kind         { return KindMixin }
func (*TxCollectionCUD) Kind() Kind { return KindCollection }
func (*TxApplyIf) Kind() Kind       { return KindApplyIf }

func (*TxCreateDoc) isTx()     {}
func (*TxUpdateDoc) isTx()     {}
func (*TxRemoveDoc) isTx()     {}
func (*TxMixin) isTx()         {}
func (*TxCollectionCUD) isTx() {}
func (*TxApplyIf) isTx()       {}

// WithAttributes returns a copy of the create with attrs merged over the
// existing attributes.
func (t *TxCreateDoc) WithAttributes(attrs map[string]any) *TxCreateDoc {
	cp := *t
	cp.Attributes = mergeAttributes(t.Attributes, attrs)
	return &cp
}

// WithAttributes returns a copy of the mixin with attrs merged over the
// existing attributes.
func (t *TxMixin) WithAttributes(attrs map[string]any) *TxMixin {
	cp := *t
	cp.Attributes = mergeAttributes(t.Attributes, attrs)
	return &cp
}

// WithInner returns a copy of the collection transaction wrapping inner.
func (t *TxCollectionCUD) WithInner(inner Tx) *TxCollectionCUD {
	cp := *t
	cp.Tx = inner
	return &cp
}

// WithTxes returns a copy of the apply-if carrying txes.
func (t *TxApplyIf) WithTxes(txes []Tx) *TxApplyIf {
	cp := *t
	cp.Txes = append([]Tx(nil), txes...)
	return &cp
}

// WithModifiedOn returns tx (and any nested transactions) stamped with on.
func WithModifiedOn(tx Tx, on Timestamp) Tx {
	return rebase(tx, func(b *TxBase) { b.ModifiedOn = on })
}

// WithModifiedBy returns tx (and any nested transactions) attributed to by.
func WithModifiedBy(tx Tx, by Ref) Tx {
	return rebase(tx, func(b *TxBase) { b.ModifiedBy = by })
}

func rebase(tx Tx, fn func(*TxBase)) Tx {
	switch t := tx.(type) {
	case *TxCreateDoc:
		cp := *t
		fn(&cp.TxBase)
		return &cp
	case *TxUpdateDoc:
		cp := *t
		fn(&cp.TxBase)
		return &cp
	case *TxRemoveDoc:
		cp := *t
		fn(&cp.TxBase)
		return &cp
	case *TxMixin:
		cp := *t
		fn(&cp.TxBase)
		return &cp
	case *TxCollectionCUD:
		cp := *t
		fn(&cp.TxBase)
		if t.Tx != nil {
			cp.Tx = rebase(t.Tx, fn)
		}
		return &cp
	case *TxApplyIf:
		cp := *t
		fn(&cp.TxBase)
		cp.Txes = make([]Tx, len(t.Txes))
		for i, inner := range t.Txes {
			cp.Txes[i] = rebase(inner, fn)
		}
		return &cp
	}
	return tx
}

// Walk visits tx and every nested transaction depth first. A non-nil error
// from fn stops the walk.
func Walk(tx Tx, fn func(Tx) error) error {
	if err := fn(tx); err != nil {
		return err
	}
	switch t := tx.(type) {
	case *TxCollectionCUD:
		if t.Tx != nil {
			return Walk(t.Tx, fn)
		}
	case *TxApplyIf:
		for _, inner := range t.Txes {
			if err := Walk(inner, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unwrap returns the inner transaction of a collection transaction, or tx
// itself for every other kind.
func Unwrap(tx Tx) Tx {
	if c, ok := tx.(*TxCollectionCUD); ok && c.Tx != nil {
		return c.Tx
	}
	return tx
}

// TargetID returns the id of the document a transaction changes. Apply-if
// groups have no single target.
func TargetID(tx Tx) Ref {
	if c, ok := Unwrap(tx).(CUD); ok {
		return c.Target().ObjectID
	}
	return ""
}

// Flatten expands apply-if groups into their inner transactions, keeping
// array order. Collection transactions are kept whole.
func Flatten(txes []Tx) []Tx {
	out := make([]Tx, 0, len(txes))
	for _, tx := range txes {
		if a, ok := tx.(*TxApplyIf); ok {
			out = append(out, Flatten(a.Txes)...)
			continue
		}
		out = append(out, tx)
	}
	return out
}

func mergeAttributes(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = cloneValue(v)
	}
	return out
}
