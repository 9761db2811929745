package domain

import "strings"

// FieldsOf exposes a transaction to query matching. Supported paths are
// "_class", "_id", "space", "modifiedBy", "objectId", "objectClass",
// "objectSpace", "mixin", "collection", "attributes.<path>",
// "operations.<path>" and "tx.<path>" for the inner transaction of a
// collection.
func FieldsOf(tx Tx) Fields { return txFields{tx: tx} }

type txFields struct{ tx Tx }

func (f txFields) Get(path string) (any, bool) {
	h := f.tx.Header()
	switch path {
	case FieldClass:
		return string(f.tx.Kind().Class()), true
	case FieldID:
		return string(h.ID), true
	case FieldSpace:
		return string(h.Space), true
	case FieldModifiedBy:
		return string(h.ModifiedBy), true
	}
	if c, ok := f.tx.(CUD); ok {
		t := c.Target()
		switch path {
		case "objectId":
			return string(t.ObjectID), true
		case "objectClass":
			return string(t.ObjectClass), true
		case "objectSpace":
			return string(t.ObjectSpace), true
		}
	}
	head, rest, _ := strings.Cut(path, ".")
	switch t := f.tx.(type) {
	case *TxCreateDoc:
		if head == "attributes" {
			return lookupPath(t.Attributes, rest)
		}
	case *TxUpdateDoc:
		if head == "operations" {
			return lookupPath(t.Operations, rest)
		}
	case *TxMixin:
		if path == "mixin" {
			return string(t.Mixin), true
		}
		if head == "attributes" {
			return lookupPath(t.Attributes, rest)
		}
	case *TxCollectionCUD:
		if path == FieldCollection {
			return t.Collection, true
		}
		if head == "tx" && t.Tx != nil {
			return txFields{tx: t.Tx}.Get(rest)
		}
	case *TxApplyIf:
		if path == "scope" {
			return t.Scope, t.Scope != ""
		}
	}
	return nil, false
}
