package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction spaces.
const (
	SpaceTx        Ref = "core:space:Tx"
	SpaceDerivedTx Ref = "core:space:DerivedTx"
	SpaceModel     Ref = "core:space:Model"
	SpaceSpace     Ref = "core:space:Space"
	SpaceWorkspace Ref = "core:space:Workspace"
)

// GenerateID returns a new time-ordered identifier.
func GenerateID() Ref {
	id, err := uuid.NewV7()
	if err != nil {
		return Ref(uuid.NewString())
	}
	return Ref(id.String())
}

// FactoryOption customises a TxFactory.
type FactoryOption func(*TxFactory)

// WithClock overrides the factory clock.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *TxFactory) { f.now = now }
}

// WithTxSpace overrides the space transactions are recorded in.
func WithTxSpace(space Ref) FactoryOption {
	return func(f *TxFactory) { f.space = space }
}

// TxFactory builds transactions authored by one account.
type TxFactory struct {
	account Ref
	space   Ref
	now     func() time.Time
}

// NewTxFactory constructs a factory for account.
func NewTxFactory(account Ref, opts ...FactoryOption) *TxFactory {
	f := &TxFactory{
		account: account,
		space:   SpaceTx,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewDerivedTxFactory constructs a factory for trigger output.
func NewDerivedTxFactory(account Ref, opts ...FactoryOption) *TxFactory {
	return NewTxFactory(account, append([]FactoryOption{WithTxSpace(SpaceDerivedTx)}, opts...)...)
}

// Account returns the author of produced transactions.
func (f *TxFactory) Account() Ref { return f.account }

func (f *TxFactory) base() TxBase {
	return TxBase{
		ID:         GenerateID(),
		Space:      f.space,
		ModifiedBy: f.account,
		ModifiedOn: TimestampOf(f.now()),
	}
}

func (f *TxFactory) cud(class, space, objectID Ref) TxCUD {
	if objectID == "" {
		objectID = GenerateID()
	}
	return TxCUD{TxBase: f.base(), ObjectID: objectID, ObjectClass: class, ObjectSpace: space}
}

// CreateDoc builds a create transaction. An empty objectID is generated.
func (f *TxFactory) CreateDoc(class, space Ref, attrs map[string]any, objectID Ref) *TxCreateDoc {
	return &TxCreateDoc{TxCUD: f.cud(class, space, objectID), Attributes: cloneMap(attrs)}
}

// UpdateDoc builds an update transaction. With retrieve set the storage
// outcome carries the updated document.
func (f *TxFactory) UpdateDoc(class, space, objectID Ref, ops Operations, retrieve bool) *TxUpdateDoc {
	return &TxUpdateDoc{TxCUD: f.cud(class, space, objectID), Operations: Operations(cloneMap(ops)), Retrieve: retrieve}
}

// RemoveDoc builds a remove transaction.
func (f *TxFactory) RemoveDoc(class, space, objectID Ref) *TxRemoveDoc {
	return &TxRemoveDoc{TxCUD: f.cud(class, space, objectID)}
}

// Mixin builds a mixin transaction applying attrs of mixin to the object.
func (f *TxFactory) Mixin(objectID, objectClass, objectSpace, mixin Ref, attrs map[string]any) *TxMixin {
	return &TxMixin{TxCUD: f.cud(objectClass, objectSpace, objectID), Mixin: mixin, Attributes: cloneMap(attrs)}
}

// Collection wraps inner as a change of a document attached to the parent
// object under collection.
func (f *TxFactory) Collection(parentClass, space, parentID Ref, collection string, inner Tx) *TxCollectionCUD {
	return &TxCollectionCUD{TxCUD: f.cud(parentClass, space, parentID), Collection: collection, Tx: inner}
}

// ApplyIf builds a conditional group.
func (f *TxFactory) ApplyIf(scope string, match, notMatch []MatchPredicate, txes []Tx) *TxApplyIf {
	return &TxApplyIf{
		TxBase:   f.base(),
		Scope:    scope,
		Match:    append([]MatchPredicate(nil), match...),
		NotMatch: append([]MatchPredicate(nil), notMatch...),
		Txes:     append([]Tx(nil), txes...),
	}
}

// Batch builds an unconditional group committed as one unit.
func (f *TxFactory) Batch(txes ...Tx) *TxApplyIf {
	return f.ApplyIf("", nil, nil, txes)
}
