package collab

import (
	"encoding/json"
	"fmt"
)

// event names on the bidirectional channel. The transport is assumed
// at-least-once and order-preserving per name.
const (
	MessageNameOperation         = "operation"
	MessageNameOperationAck      = "operation_ack"
	MessageNameOperationRejected = "operation_rejected"
	MessageNameStateUpdate       = "state_update"
	MessageNameFullStateSync     = "full_state_sync"
	MessageNameRequestFullSync   = "request_full_sync"
	MessageNameRemoteOperation   = "remote_operation"
	MessageNameBatchOperation    = "batch_operation"
	MessageNameBatchAck          = "batch_ack"
)

// OperationDispatch is the wire payload for one locally originated
// operation.
type OperationDispatch struct {
	OperationId   Id              `json:"operationId"`
	SessionId     Id              `json:"sessionId"`
	Type          OperationKind   `json:"type"`
	Parameters    json.RawMessage `json:"parameters"`
	StateVersion  uint64          `json:"stateVersion"`
	UndoData      *UndoData       `json:"undoData,omitempty"`
	TransactionId *Id             `json:"transactionId,omitempty"`
	IsUndo        bool            `json:"isUndo,omitempty"`
	IsRedo        bool            `json:"isRedo,omitempty"`
}

type OperationAck struct {
	OperationId  Id     `json:"operationId"`
	StateVersion uint64 `json:"stateVersion,omitempty"`
	// canonical entity ids, ordered to pair with the dispatched
	// placeholder ids
	ServerEntityIds []Id           `json:"serverEntityIds,omitempty"`
	ServerFields    map[string]any `json:"serverFields,omitempty"`
}

type OperationRejected struct {
	OperationId Id     `json:"operationId"`
	Error       string `json:"error"`
}

type StateChanges struct {
	Added   []*Entity `json:"added,omitempty"`
	Updated []*Entity `json:"updated,omitempty"`
	Removed []Id      `json:"removed,omitempty"`
}

// StateUpdate is a server-pushed delta against a monotonic state version.
type StateUpdate struct {
	StateVersion uint64       `json:"stateVersion"`
	Changes      StateChanges `json:"changes"`
	OperationId  *Id          `json:"operationId,omitempty"`
	IsUndo       bool         `json:"isUndo,omitempty"`
	IsRedo       bool         `json:"isRedo,omitempty"`
}

type FullStateSync struct {
	State        []*Entity `json:"state"`
	StateVersion uint64    `json:"stateVersion"`
}

type RequestFullSync struct {
	SessionId    Id     `json:"sessionId"`
	KnownVersion uint64 `json:"knownVersion"`
}

// BatchOperationDispatch carries same-kind operations grouped by the
// background path into one request.
type BatchOperationDispatch struct {
	BatchId    Id                   `json:"batchId"`
	SessionId  Id                   `json:"sessionId"`
	Type       OperationKind        `json:"type"`
	Operations []*OperationDispatch `json:"operations"`
}

type BatchAck struct {
	BatchId Id `json:"batchId"`
	// operations the server declined individually. The rest of the
	// batch is committed.
	FailedOperationIds []Id   `json:"failedOperationIds,omitempty"`
	Error              string `json:"error,omitempty"`
}

func encodeParams(params OperationParams) (json.RawMessage, error) {
	return json.Marshal(params)
}

// decodeParams is the exhaustive counterpart of the closed kind
// enumeration. An unknown kind is an error, never a silent miss.
func decodeParams(kind OperationKind, raw json.RawMessage) (OperationParams, error) {
	var params OperationParams
	switch kind {
	case OperationKindCreate:
		params = &CreateParams{}
	case OperationKindDelete:
		params = &DeleteParams{}
	case OperationKindMove:
		params = &MoveParams{}
	case OperationKindResize:
		params = &ResizeParams{}
	case OperationKindRotate:
		params = &RotateParams{}
	case OperationKindUpdateProperties:
		params = &UpdatePropertiesParams{}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, err
	}
	return params, nil
}

func dispatchForOperation(operation *Operation, stateVersion uint64) (*OperationDispatch, error) {
	parameters, err := encodeParams(operation.Params)
	if err != nil {
		return nil, err
	}
	dispatch := &OperationDispatch{
		OperationId:  operation.Id,
		SessionId:    operation.SessionId,
		Type:         operation.Kind(),
		Parameters:   parameters,
		StateVersion: stateVersion,
		UndoData:     operation.UndoData(),
	}
	if !operation.TransactionId.IsZero() {
		transactionId := operation.TransactionId
		dispatch.TransactionId = &transactionId
	}
	return dispatch, nil
}

func operationFromDispatch(dispatch *OperationDispatch) (*Operation, error) {
	params, err := decodeParams(dispatch.Type, dispatch.Parameters)
	if err != nil {
		return nil, err
	}
	operation := NewRemoteOperation(dispatch.OperationId, dispatch.SessionId, params)
	operation.setUndoData(dispatch.UndoData)
	return operation, nil
}
