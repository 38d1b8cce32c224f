// Package models contains the persistent entities of the messaging service
package models

// All returns every entity managed by the service, in creation order
func All() []any {
	return []any{
		&Quota{},
		&Queue{},
		&Patient{},
		&MessageTemplate{},
		&MessageCondition{},
		&MessageSession{},
		&Message{},
		&FailedTask{},
		&ExtensionDevice{},
		&ExtensionCommand{},
		&WhatsAppSession{},
		&JobRun{},
	}
}
