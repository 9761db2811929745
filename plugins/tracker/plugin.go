// Package tracker is the reference issue tracker plugin: projects, issues
// with sequential identifiers, comments and an activity feed maintained by
// triggers.
package tracker

import (
	"context"
	"fmt"

	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

// Model refs.
const (
	ClassProject  domain.Ref = "tracker:class:Project"
	ClassIssue    domain.Ref = "tracker:class:Issue"
	ClassComment  domain.Ref = "tracker:class:Comment"
	ClassActivity domain.Ref = "tracker:class:Activity"

	SequenceIssue  domain.Ref = "tracker:sequence:Issue"
	ProjectDefault domain.Ref = "tracker:project:Default"

	TriggerStatusActivity domain.Ref = "tracker:trigger:StatusActivity"
	TriggerAssignActivity domain.Ref = "tracker:trigger:AssignActivity"
)

// Issue attributes.
const (
	AttrTitle      = "title"
	AttrIdentifier = "identifier"
	AttrStatus     = "status"
	AttrAssignee   = "assignee"
	AttrComments   = "comments"
	AttrActivity   = "activity"
	AttrMessage    = "message"
	AttrAction     = "action"
	AttrValue      = "value"
)

// IdentifierPrefix prefixes issue identifiers.
const IdentifierPrefix = "TSK"

// Plugin registers the tracker model.
type Plugin struct{}

// New constructs a tracker plugin instance.
func New() Plugin {
	return Plugin{}
}

// Name returns the plugin identifier.
func (Plugin) Name() string { return "tracker" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "0.1.0" }

// Register adds classes, the issue sequence, the default project and the
// activity triggers.
func (Plugin) Register(registry pluginapi.Registry) error {
	classes := []domain.Class{
		{ID: ClassProject, Extends: domain.ClassSpace, Label: "Project"},
		{
			ID:      ClassIssue,
			Extends: domain.ClassDoc,
			Label:   "Issue",
			Attributes: []domain.Attribute{
				{Name: AttrTitle, Type: domain.AttrString},
				{Name: AttrIdentifier, Type: domain.AttrIdentifier},
				{Name: AttrStatus, Type: domain.AttrString},
				{Name: AttrAssignee, Type: domain.AttrRef},
				{Name: AttrComments, Type: domain.AttrCollection, Of: ClassComment},
				{Name: AttrActivity, Type: domain.AttrCollection, Of: ClassActivity},
			},
			Guest:    &domain.GuestAccess{Create: true},
			FullText: true,
		},
		{
			ID:         ClassComment,
			Extends:    domain.ClassAttachedDoc,
			Label:      "Comment",
			Attributes: []domain.Attribute{{Name: AttrMessage, Type: domain.AttrString}},
			Guest:      &domain.GuestAccess{Create: true, Update: true},
			FullText:   true,
		},
		{
			ID:      ClassActivity,
			Extends: domain.ClassAttachedDoc,
			Label:   "Activity",
			Attributes: []domain.Attribute{
				{Name: AttrAction, Type: domain.AttrString},
				{Name: AttrValue, Type: domain.AttrString},
			},
		},
	}
	for _, c := range classes {
		if err := registry.RegisterClass(c); err != nil {
			return err
		}
	}

	f := domain.NewTxFactory(domain.AccountSystem, domain.WithTxSpace(domain.SpaceModel))
	registry.Seed(
		f.CreateDoc(domain.ClassSequence, domain.SpaceWorkspace, map[string]any{
			domain.FieldAttachedTo:  string(ClassIssue),
			domain.AttrNamePrefix:   IdentifierPrefix,
			domain.AttrNameSequence: 0,
		}, SequenceIssue),
		f.CreateDoc(ClassProject, domain.SpaceSpace, map[string]any{
			AttrTitle:              "Default",
			domain.AttrNamePrivate: false,
			domain.AttrNameMembers: []any{},
		}, ProjectDefault),
	)

	triggers := []pluginapi.Trigger{
		{
			Ref:  TriggerStatusActivity,
			Func: statusActivity,
			Match: domain.Query{
				domain.FieldClass:   string(domain.ClassTxUpdateDoc),
				"objectClass":       string(ClassIssue),
				"operations.status": map[string]any{"$exists": true},
			},
		},
		{
			Ref:   TriggerAssignActivity,
			Func:  assignActivity,
			Async: true,
			Match: domain.Query{
				domain.FieldClass:     string(domain.ClassTxUpdateDoc),
				"objectClass":         string(ClassIssue),
				"operations.assignee": map[string]any{"$exists": true},
			},
		},
	}
	for _, t := range triggers {
		if err := registry.RegisterTrigger(t); err != nil {
			return err
		}
	}
	return nil
}

// statusActivity records status changes in the issue activity collection.
func statusActivity(_ context.Context, txes []domain.Tx, control *pluginapi.TriggerControl) ([]domain.Tx, error) {
	return activity(txes, control, AttrStatus)
}

// assignActivity records assignee changes.
func assignActivity(_ context.Context, txes []domain.Tx, control *pluginapi.TriggerControl) ([]domain.Tx, error) {
	return activity(txes, control, AttrAssignee)
}

func activity(txes []domain.Tx, control *pluginapi.TriggerControl, field string) ([]domain.Tx, error) {
	var out []domain.Tx
	for _, tx := range txes {
		upd, ok := tx.(*domain.TxUpdateDoc)
		if !ok {
			continue
		}
		if _, removed := control.RemovedMap[upd.ObjectID]; removed {
			continue
		}
		value, ok := upd.Operations[field]
		if !ok {
			continue
		}
		create := control.TxFactory.CreateDoc(ClassActivity, upd.ObjectSpace, map[string]any{
			AttrAction: field,
			AttrValue:  fmt.Sprint(value),
		}, "")
		out = append(out, control.TxFactory.Collection(upd.ObjectClass, upd.ObjectSpace, upd.ObjectID, AttrActivity, create))
	}
	return out, nil
}
