package collab

import (
	"fmt"
)

// ValidationError means the operation parameters are malformed.
// The operation is never dispatched.
type ValidationError struct {
	Reason string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", self.Reason)
}

// MissingUndoDataError means an operation of an undoable kind reached
// dispatch without undo data. Fatal to that operation only, never sent.
type MissingUndoDataError struct {
	Kind OperationKind
}

func (self *MissingUndoDataError) Error() string {
	return fmt.Sprintf("missing undo data for undoable operation %s", self.Kind)
}

// ServerRejectionError means the server declined the operation.
// Local state has already been rolled back when the caller sees this.
type ServerRejectionError struct {
	OperationId Id
	Reason      string
}

func (self *ServerRejectionError) Error() string {
	return fmt.Sprintf("server rejected operation %s: %s", self.OperationId, self.Reason)
}

// AckTimeoutError means the server never answered within the bound.
// Distinct from rejection so callers can tell "server said no" from
// "server never answered". Local state has already been rolled back.
type AckTimeoutError struct {
	OperationId Id
}

func (self *AckTimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out awaiting server acknowledgment", self.OperationId)
}

// TransactionStepError carries the index of the failing operation.
// `CheckpointRestored` is true when the reverse-undo chain also failed
// and the whole pre-transaction checkpoint was restored instead.
type TransactionStepError struct {
	TransactionId      Id
	FailedIndex        int
	Cause              error
	CheckpointRestored bool
}

func (self *TransactionStepError) Error() string {
	return fmt.Sprintf("transaction %s failed at operation %d: %v", self.TransactionId, self.FailedIndex, self.Cause)
}

func (self *TransactionStepError) Unwrap() error {
	return self.Cause
}

// internal signal. Never surfaced to callers; triggers a full resync.
type versionGapError struct {
	haveVersion uint64
	gotVersion  uint64
}

func (self *versionGapError) Error() string {
	return fmt.Sprintf("state version gap: have %d, got %d", self.haveVersion, self.gotVersion)
}
