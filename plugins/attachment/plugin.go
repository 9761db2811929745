// Package attachment stores file attachments as blob documents and removes
// the stored object once its document is removed.
package attachment

import (
	"context"
	"errors"

	"transactor/pkg/blob"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

// Model refs.
const (
	ClassAttachment   domain.Ref = "attachment:class:Attachment"
	TriggerRemoveBlob domain.Ref = "attachment:trigger:RemoveBlob"
)

// AttrName is the display name of an attachment.
const AttrName = "name"

// Plugin registers the attachment model.
type Plugin struct{}

// New constructs an attachment plugin instance.
func New() Plugin { return Plugin{} }

// Name returns the plugin identifier.
func (Plugin) Name() string { return "attachment" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "0.1.0" }

// Register adds the Attachment class and the blob cleanup trigger.
func (Plugin) Register(registry pluginapi.Registry) error {
	if err := registry.RegisterClass(domain.Class{
		ID:         ClassAttachment,
		Extends:    domain.ClassBlob,
		Label:      "Attachment",
		Attributes: []domain.Attribute{{Name: AttrName, Type: domain.AttrString}},
		Guest:      &domain.GuestAccess{Create: true},
	}); err != nil {
		return err
	}
	return registry.RegisterTrigger(pluginapi.Trigger{
		Ref:  TriggerRemoveBlob,
		Func: removeBlob,
		Match: domain.Query{
			domain.FieldClass: string(domain.ClassTxRemoveDoc),
			"objectClass":     string(ClassAttachment),
		},
	})
}

// removeBlob deletes the stored objects of removed attachments after the
// call commits. Objects already gone are ignored.
func removeBlob(_ context.Context, txes []domain.Tx, control *pluginapi.TriggerControl) ([]domain.Tx, error) {
	var files []string
	for _, tx := range txes {
		doc := removedDoc(tx, control)
		if doc == nil {
			continue
		}
		if file := doc.AttrString(domain.AttrNameFile); file != "" {
			files = append(files, file)
		}
	}
	if len(files) == 0 {
		return nil, nil
	}
	control.StorageFx(func(ctx context.Context, store blob.Store) error {
		var errs []error
		for _, file := range files {
			if _, err := store.Delete(ctx, file); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return nil, nil
}

func removedDoc(tx domain.Tx, control *pluginapi.TriggerControl) *domain.Doc {
	if o, ok := control.Outcome(tx.Header().ID); ok && o.Before != nil && o.After == nil {
		return o.Before
	}
	if doc, ok := control.RemovedMap[domain.TargetID(tx)]; ok {
		return &doc
	}
	return nil
}
