package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Operations is the operator map of an update. Plain keys set a field;
// "$inc", "$push", "$pull" and "$unset" take a map of field to argument.
type Operations map[string]any

// Update operators.
const (
	OpInc   = "$inc"
	OpPush  = "$push"
	OpPull  = "$pull"
	OpUnset = "$unset"
)

// Has reports whether the operator is present.
func (o Operations) Has(op string) bool {
	_, ok := o[op]
	return ok
}

// Fields returns the sorted set of fields the operations touch, including
// fields nested under operators.
func (o Operations) Fields() []string {
	seen := make(map[string]struct{})
	for key, val := range o {
		if !strings.HasPrefix(key, "$") {
			seen[key] = struct{}{}
			continue
		}
		if m, ok := val.(map[string]any); ok {
			for field := range m {
				seen[field] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Touches reports whether any of the fields is changed.
func (o Operations) Touches(fields ...string) bool {
	for _, f := range o.Fields() {
		for _, want := range fields {
			if f == want {
				return true
			}
		}
	}
	return false
}

// ApplyTx computes the document state after tx. before is the current state
// or nil when absent; it is never modified. The result is nil when tx removes
// the document. Apply-if groups must be expanded before reaching storage.
func ApplyTx(before *Doc, tx Tx) (*Doc, error) {
	switch t := tx.(type) {
	case *TxCreateDoc:
		if before != nil {
			return nil, &PlatformError{Status: StatusBadRequest, Message: fmt.Sprintf("create %s", t.ObjectID), Err: ErrDocExists}
		}
		doc := &Doc{
			ID:         t.ObjectID,
			Class:      t.ObjectClass,
			Space:      t.ObjectSpace,
			CreatedOn:  t.ModifiedOn,
			CreatedBy:  t.ModifiedBy,
			ModifiedOn: t.ModifiedOn,
			ModifiedBy: t.ModifiedBy,
			Attributes: map[string]any{},
		}
		for k, v := range t.Attributes {
			setField(doc, k, v)
		}
		return doc, nil
	case *TxUpdateDoc:
		if before == nil {
			return nil, NotFound(t.ObjectClass, t.ObjectID)
		}
		after := before.Clone()
		if err := applyOperations(after, t.Operations); err != nil {
			return nil, err
		}
		after.ModifiedOn, after.ModifiedBy = t.ModifiedOn, t.ModifiedBy
		return after, nil
	case *TxRemoveDoc:
		if before == nil {
			return nil, NotFound(t.ObjectClass, t.ObjectID)
		}
		return nil, nil
	case *TxMixin:
		if before == nil {
			return nil, NotFound(t.ObjectClass, t.ObjectID)
		}
		after := before.Clone()
		if after.Mixins == nil {
			after.Mixins = make(map[Ref]map[string]any)
		}
		attrs := after.Mixins[t.Mixin]
		if attrs == nil {
			attrs = make(map[string]any, len(t.Attributes))
		}
		for k, v := range t.Attributes {
			if v == nil {
				delete(attrs, k)
				continue
			}
			attrs[k] = cloneValue(v)
		}
		after.Mixins[t.Mixin] = attrs
		after.ModifiedOn, after.ModifiedBy = t.ModifiedOn, t.ModifiedBy
		return after, nil
	case *TxCollectionCUD:
		if t.Tx == nil {
			return nil, BadRequest("collection %s without inner transaction", t.Collection)
		}
		after, err := ApplyTx(before, t.Tx)
		if err != nil || after == nil {
			return after, err
		}
		if t.Tx.Kind() == KindCreateDoc {
			after.AttachedTo = t.ObjectID
			after.AttachedToClass = t.ObjectClass
			after.Collection = t.Collection
		}
		return after, nil
	case *TxApplyIf:
		return nil, BadRequest("apply-if %s must be expanded before storage", t.ID)
	}
	return nil, BadRequest("unsupported transaction %T", tx)
}

// ApplyOperations applies ops to a copy of doc.
func ApplyOperations(doc *Doc, ops Operations) (*Doc, error) {
	after := doc.Clone()
	if err := applyOperations(after, ops); err != nil {
		return nil, err
	}
	return after, nil
}

func applyOperations(doc *Doc, ops Operations) error {
	if doc.Attributes == nil {
		doc.Attributes = map[string]any{}
	}
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := ops[key]
		if !strings.HasPrefix(key, "$") {
			setField(doc, key, val)
			continue
		}
		args, ok := val.(map[string]any)
		if !ok {
			return BadRequest("operator %s expects an object", key)
		}
		for field, arg := range args {
			if err := applyOperator(doc, key, field, arg); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOperator(doc *Doc, op, field string, arg any) error {
	switch op {
	case OpInc:
		delta, ok := toFloat(arg)
		if !ok {
			return BadRequest("$inc %s: %v is not a number", field, arg)
		}
		cur, _ := toFloat(doc.Attributes[field])
		doc.Attributes[field] = normalizeNumber(cur + delta)
	case OpPush:
		list := append([]any(nil), toList(doc.Attributes[field])...)
		if each, ok := arg.(map[string]any); ok {
			if items, ok := each["$each"]; ok {
				for _, item := range toList(items) {
					list = append(list, cloneValue(item))
				}
				doc.Attributes[field] = list
				return nil
			}
		}
		doc.Attributes[field] = append(list, cloneValue(arg))
	case OpPull:
		current := toList(doc.Attributes[field])
		kept := make([]any, 0, len(current))
		for _, item := range current {
			if !matchCondition(item, true, arg) {
				kept = append(kept, item)
			}
		}
		doc.Attributes[field] = kept
	case OpUnset:
		delete(doc.Attributes, field)
	default:
		return BadRequest("unsupported operator %s", op)
	}
	return nil
}

func setField(doc *Doc, field string, val any) {
	switch field {
	case FieldSpace:
		doc.Space = refOf(val)
	case FieldAttachedTo:
		doc.AttachedTo = refOf(val)
	case FieldAttachedToClass:
		doc.AttachedToClass = refOf(val)
	case FieldCollection:
		s, _ := toString(val)
		doc.Collection = s
	default:
		if doc.Attributes == nil {
			doc.Attributes = map[string]any{}
		}
		doc.Attributes[field] = cloneValue(val)
	}
}

func refOf(v any) Ref {
	s, _ := toString(v)
	return Ref(s)
}

func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
