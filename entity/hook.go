package entity

import "context"

type HookAction int

const (
	HookActionInvalid HookAction = iota // default, not to be used
	HookActionProceed                   // continue processing of this record
	HookActionSkip                      // skip this record, no sink write
	HookActionReject                    // report this record as a failure
)

// PreTransformHookFunc is a client-provided function which the engine calls prior to
// sending the record to the record type's transformer. This way the client can modify or
// enrich each record before it is transformed, or filter it out.
// The payload is provided as a mutable argument to avoid requiring the client to always
// return data even if not used.
// The record type name is provided for context and filtering logic.
type PreTransformHookFunc func(ctx context.Context, recordType string, payload *[]byte) HookAction
