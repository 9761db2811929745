package domain

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// MarshalJSON encodes the create with its class tag.
func (t *TxCreateDoc) MarshalJSON() ([]byte, error) {
	type plain TxCreateDoc
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxCreateDoc, (*plain)(t)})
}

// MarshalJSON encodes the update with its class tag.
func (t *TxUpdateDoc) MarshalJSON() ([]byte, error) {
	type plain TxUpdateDoc
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxUpdateDoc, (*plain)(t)})
}

// MarshalJSON encodes the removal with its class tag.
func (t *TxRemoveDoc) MarshalJSON() ([]byte, error) {
	type plain TxRemoveDoc
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxRemoveDoc, (*plain)(t)})
}

// MarshalJSON encodes the mixin with its class tag.
func (t *TxMixin) MarshalJSON() ([]byte, error) {
	type plain TxMixin
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxMixin, (*plain)(t)})
}

// MarshalJSON encodes the collection transaction with its class tag.
func (t *TxCollectionCUD) MarshalJSON() ([]byte, error) {
	type plain TxCollectionCUD
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxCollectionCUD, (*plain)(t)})
}

// UnmarshalJSON decodes the collection transaction and its inner payload.
func (t *TxCollectionCUD) UnmarshalJSON(data []byte) error {
	var aux struct {
		TxCUD
		Collection string          `json:"collection"`
		Tx         json.RawMessage `json:"tx"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var inner Tx
	if len(aux.Tx) > 0 && string(aux.Tx) != "null" {
		decoded, err := UnmarshalTx(aux.Tx)
		if err != nil {
			return fmt.Errorf("collection %s: %w", aux.Collection, err)
		}
		inner = decoded
	}
	*t = TxCollectionCUD{TxCUD: aux.TxCUD, Collection: aux.Collection, Tx: inner}
	return nil
}

// MarshalJSON encodes the group with its class tag.
func (t *TxApplyIf) MarshalJSON() ([]byte, error) {
	type plain TxApplyIf
	return json.Marshal(struct {
		Class Ref `json:"_class"`
		*plain
	}{ClassTxApplyIf, (*plain)(t)})
}

// UnmarshalJSON decodes the group and its inner transactions.
func (t *TxApplyIf) UnmarshalJSON(data []byte) error {
	var aux struct {
		TxBase
		Scope    string           `json:"scope"`
		Match    []MatchPredicate `json:"match"`
		NotMatch []MatchPredicate `json:"notMatch"`
		Txes     TxList           `json:"txes"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = TxApplyIf{TxBase: aux.TxBase, Scope: aux.Scope, Match: aux.Match, NotMatch: aux.NotMatch, Txes: aux.Txes}
	return nil
}

// UnmarshalTx decodes one transaction using its "_class" tag.
func UnmarshalTx(data []byte) (Tx, error) {
	var head struct {
		Class Ref `json:"_class"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, BadRequest("malformed transaction: %v", err)
	}
	var (
		tx  Tx
		err error
	)
	switch head.Class {
	case ClassTxCreateDoc:
		var t TxCreateDoc
		err = json.Unmarshal(data, &t)
		tx = &t
	case ClassTxUpdateDoc:
		var t TxUpdateDoc
		err = json.Unmarshal(data, &t)
		tx = &t
	case ClassTxRemoveDoc:
		var t TxRemoveDoc
		err = json.Unmarshal(data, &t)
		tx = &t
	case ClassTxMixin:
		var t TxMixin
		err = json.Unmarshal(data, &t)
		tx = &t
	case ClassTxCollectionCUD:
		var t TxCollectionCUD
		err = json.Unmarshal(data, &t)
		tx = &t
	case ClassTxApplyIf:
		var t TxApplyIf
		err = json.Unmarshal(data, &t)
		tx = &t
	default:
		return nil, BadRequest("unknown transaction class %q", head.Class)
	}
	if err != nil {
		return nil, BadRequest("decode %s: %v", head.Class, err)
	}
	return tx, nil
}

// TxList is a slice of transactions that decodes polymorphically.
type TxList []Tx

// UnmarshalJSON decodes every element with UnmarshalTx.
func (l *TxList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(TxList, 0, len(raws))
	for _, raw := range raws {
		tx, err := UnmarshalTx(raw)
		if err != nil {
			return err
		}
		out = append(out, tx)
	}
	*l = out
	return nil
}
