// Package idgen produces the identifiers the bridge hands out: session ids
// for peers that connect without one, and correlation ids for in-flight
// remote calls.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string. Generated ids sort by creation
// time, which keeps the invocation audit log readable, and always satisfy
// ValidateSessionID so a server-assigned id survives a reconnect.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
