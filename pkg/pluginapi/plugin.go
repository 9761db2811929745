// Package pluginapi is the contract between the transactor and the plugins
// that contribute model classes, seed documents and trigger functions.
package pluginapi

import (
	"transactor/pkg/domain"
)

// Version is the plugin API version plugins report compatibility against.
const Version = "v1"

// Plugin contributes classes, triggers and seed data to every workspace.
type Plugin interface {
	Name() string
	Version() string
	Register(Registry) error
}

// Registry accumulates plugin contributions during registration.
type Registry interface {
	// RegisterClass adds a class to the model. The parent must already be
	// registered.
	RegisterClass(class domain.Class) error
	// RegisterTrigger binds fn to its resource ref and seeds the trigger
	// registration document.
	RegisterTrigger(trigger Trigger) error
	// Seed adds transactions applied at workspace activation when their
	// target object is absent.
	Seed(txes ...domain.Tx)
}

// Trigger describes a trigger function and when it runs.
type Trigger struct {
	Ref   domain.Ref
	Func  TriggerFunc
	Match domain.Query
	Async bool
}
