package collab

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

type OperationOrigin string

const (
	OperationOriginLocal  OperationOrigin = "local"
	OperationOriginRemote OperationOrigin = "remote"
)

// OperationKind is a closed enumeration. Dispatch is an exhaustive switch
// over the typed parameter payloads below, not a string-keyed registry.
type OperationKind string

const (
	OperationKindCreate           OperationKind = "create"
	OperationKindDelete           OperationKind = "delete"
	OperationKindMove             OperationKind = "move"
	OperationKindResize           OperationKind = "resize"
	OperationKindRotate           OperationKind = "rotate"
	OperationKindUpdateProperties OperationKind = "update_properties"
)

// every kind mutates the graph reversibly, so every kind is undoable.
// An undoable kind that reaches dispatch without undo data is a hard error.
func (self OperationKind) Undoable() bool {
	switch self {
	case OperationKindCreate, OperationKindDelete, OperationKindMove,
		OperationKindResize, OperationKindRotate, OperationKindUpdateProperties:
		return true
	default:
		return false
	}
}

type OperationParams interface {
	Kind() OperationKind
	// the entities this operation touches, for merge classing,
	// pending-edit checks, and background dedup hashing
	TargetIds() []Id
}

type CreateParams struct {
	Entities []*Entity `json:"entities"`
}

func (self *CreateParams) Kind() OperationKind {
	return OperationKindCreate
}

func (self *CreateParams) TargetIds() []Id {
	targetIds := make([]Id, 0, len(self.Entities))
	for _, entity := range self.Entities {
		targetIds = append(targetIds, entity.Id)
	}
	return targetIds
}

type DeleteParams struct {
	EntityIds []Id `json:"entityIds"`
}

func (self *DeleteParams) Kind() OperationKind {
	return OperationKindDelete
}

func (self *DeleteParams) TargetIds() []Id {
	return self.EntityIds
}

type MoveParams struct {
	EntityId Id         `json:"entityId"`
	Position [2]float64 `json:"position"`
}

func (self *MoveParams) Kind() OperationKind {
	return OperationKindMove
}

func (self *MoveParams) TargetIds() []Id {
	return []Id{self.EntityId}
}

type ResizeParams struct {
	EntityId Id         `json:"entityId"`
	Size     [2]float64 `json:"size"`
}

func (self *ResizeParams) Kind() OperationKind {
	return OperationKindResize
}

func (self *ResizeParams) TargetIds() []Id {
	return []Id{self.EntityId}
}

type RotateParams struct {
	EntityId Id      `json:"entityId"`
	Rotation float64 `json:"rotation"`
}

func (self *RotateParams) Kind() OperationKind {
	return OperationKindRotate
}

func (self *RotateParams) TargetIds() []Id {
	return []Id{self.EntityId}
}

type UpdatePropertiesParams struct {
	EntityId   Id             `json:"entityId"`
	Properties map[string]any `json:"properties"`
}

func (self *UpdatePropertiesParams) Kind() OperationKind {
	return OperationKindUpdateProperties
}

func (self *UpdatePropertiesParams) TargetIds() []Id {
	return []Id{self.EntityId}
}

// UndoData captures enough pre-execution state to invert the operation.
// For create it is the ids to remove; for everything else it is deep
// copies of the touched entities as they were before execution.
type UndoData struct {
	Entities   []*Entity `json:"entities,omitempty"`
	CreatedIds []Id      `json:"createdIds,omitempty"`
}

type OperationResult struct {
	OperationId Id
	EntityIds   []Id
	// fields the server attached to the acknowledgment, merged with the
	// local result when the operation resolves
	ServerFields map[string]any
}

type Operation struct {
	Id        Id
	SessionId Id
	Params    OperationParams
	Origin    OperationOrigin
	CreatedAt time.Time
	// operations sharing a group tag were produced by one gesture
	GroupTag string
	// set when the operation runs inside a transaction envelope
	TransactionId Id

	executed bool
	undoData *UndoData
}

func NewLocalOperation(sessionId Id, params OperationParams) *Operation {
	return &Operation{
		Id:        NewId(),
		SessionId: sessionId,
		Params:    params,
		Origin:    OperationOriginLocal,
		CreatedAt: time.Now(),
	}
}

func NewRemoteOperation(operationId Id, sessionId Id, params OperationParams) *Operation {
	return &Operation{
		Id:        operationId,
		SessionId: sessionId,
		Params:    params,
		Origin:    OperationOriginRemote,
		CreatedAt: time.Now(),
	}
}

func (self *Operation) Kind() OperationKind {
	return self.Params.Kind()
}

func (self *Operation) Executed() bool {
	return self.executed
}

func (self *Operation) UndoData() *UndoData {
	return self.undoData
}

func (self *Operation) Validate() error {
	if self.Id.IsZero() {
		return &ValidationError{Reason: "operation has no identity"}
	}
	switch params := self.Params.(type) {
	case *CreateParams:
		if len(params.Entities) == 0 {
			return &ValidationError{Reason: "create with no entities"}
		}
		for _, entity := range params.Entities {
			if entity.Id.IsZero() {
				return &ValidationError{Reason: "create entity with no identity"}
			}
			switch entity.Kind {
			case EntityKindImage, EntityKindVideo, EntityKindText:
			default:
				return &ValidationError{Reason: fmt.Sprintf("unknown entity kind %q", entity.Kind)}
			}
		}
	case *DeleteParams:
		if len(params.EntityIds) == 0 {
			return &ValidationError{Reason: "delete with no entities"}
		}
	case *MoveParams:
		if params.EntityId.IsZero() {
			return &ValidationError{Reason: "move with no target"}
		}
	case *ResizeParams:
		if params.EntityId.IsZero() {
			return &ValidationError{Reason: "resize with no target"}
		}
		if params.Size[0] <= 0 || params.Size[1] <= 0 {
			return &ValidationError{Reason: "resize to non-positive size"}
		}
	case *RotateParams:
		if params.EntityId.IsZero() {
			return &ValidationError{Reason: "rotate with no target"}
		}
	case *UpdatePropertiesParams:
		if params.EntityId.IsZero() {
			return &ValidationError{Reason: "update properties with no target"}
		}
		if len(params.Properties) == 0 {
			return &ValidationError{Reason: "update with no properties"}
		}
	case nil:
		return &ValidationError{Reason: "operation has no parameters"}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown operation params %T", self.Params)}
	}
	return nil
}

// PrepareUndoData captures the inverse before execution. Idempotent:
// the first capture wins so that a merged drag burst undoes to the state
// before the first delta, not the last.
func (self *Operation) PrepareUndoData(store EntityReader) error {
	if self.undoData != nil {
		return nil
	}
	undoData := &UndoData{}
	switch params := self.Params.(type) {
	case *CreateParams:
		for _, entity := range params.Entities {
			undoData.CreatedIds = append(undoData.CreatedIds, entity.Id)
		}
	default:
		for _, targetId := range self.Params.TargetIds() {
			if entity := store.GetById(targetId); entity != nil {
				undoData.Entities = append(undoData.Entities, entity.Clone())
			}
		}
		if len(undoData.Entities) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("%s targets no live entity", params.Kind())}
		}
	}
	self.undoData = undoData
	return nil
}

func (self *Operation) setUndoData(undoData *UndoData) {
	self.undoData = undoData
}

// Execute mutates the store directly. The caller is responsible for
// running it inside the single-writer execution path.
func (self *Operation) Execute(store EntityStore) (*OperationResult, error) {
	result := &OperationResult{
		OperationId: self.Id,
		EntityIds:   self.Params.TargetIds(),
	}
	switch params := self.Params.(type) {
	case *CreateParams:
		for _, entity := range params.Entities {
			created := entity.Clone()
			if self.Origin == OperationOriginLocal {
				created.Temp = true
			}
			store.Add(created)
		}
	case *DeleteParams:
		for _, entityId := range params.EntityIds {
			store.Remove(entityId)
		}
	case *MoveParams:
		entity := store.GetById(params.EntityId)
		if entity == nil {
			return nil, fmt.Errorf("move: entity %s not found", params.EntityId)
		}
		entity.Transform.Position = params.Position
	case *ResizeParams:
		entity := store.GetById(params.EntityId)
		if entity == nil {
			return nil, fmt.Errorf("resize: entity %s not found", params.EntityId)
		}
		entity.Transform.Size = params.Size
	case *RotateParams:
		entity := store.GetById(params.EntityId)
		if entity == nil {
			return nil, fmt.Errorf("rotate: entity %s not found", params.EntityId)
		}
		entity.Transform.Rotation = params.Rotation
	case *UpdatePropertiesParams:
		entity := store.GetById(params.EntityId)
		if entity == nil {
			return nil, fmt.Errorf("update properties: entity %s not found", params.EntityId)
		}
		if entity.Properties == nil {
			entity.Properties = map[string]any{}
		}
		maps.Copy(entity.Properties, params.Properties)
	default:
		return nil, fmt.Errorf("unknown operation params %T", self.Params)
	}
	self.executed = true
	return result, nil
}

// Undo inverts a previously executed operation using its undo data.
func (self *Operation) Undo(store EntityStore) error {
	if self.undoData == nil {
		return &MissingUndoDataError{Kind: self.Kind()}
	}
	for _, entityId := range self.undoData.CreatedIds {
		store.Remove(entityId)
	}
	for _, entity := range self.undoData.Entities {
		store.Add(entity.Clone())
	}
	return nil
}

// CanMergeWith reports whether `next` can absorb into this operation.
// Only rapid-fire local transform bursts on the same target merge.
func (self *Operation) CanMergeWith(next *Operation) bool {
	if self.Origin != OperationOriginLocal || next.Origin != OperationOriginLocal {
		return false
	}
	if self.Kind() != next.Kind() {
		return false
	}
	switch self.Kind() {
	case OperationKindMove, OperationKindResize, OperationKindRotate, OperationKindUpdateProperties:
	default:
		return false
	}
	selfTargets := self.Params.TargetIds()
	nextTargets := next.Params.TargetIds()
	if len(selfTargets) != 1 || len(nextTargets) != 1 {
		return false
	}
	return selfTargets[0] == nextTargets[0]
}

// MergeWith collapses `next` into this operation: the newer parameters win,
// while the identity, creation time, and any captured undo data of the
// earlier operation are kept so undo restores the pre-burst state.
func (self *Operation) MergeWith(next *Operation) *Operation {
	merged := &Operation{
		Id:        self.Id,
		SessionId: self.SessionId,
		Params:    next.Params,
		Origin:    OperationOriginLocal,
		CreatedAt: self.CreatedAt,
		GroupTag:  self.GroupTag,
		undoData:  self.undoData,
	}
	if params, ok := next.Params.(*UpdatePropertiesParams); ok {
		if prev, ok := self.Params.(*UpdatePropertiesParams); ok {
			mergedProperties := map[string]any{}
			maps.Copy(mergedProperties, prev.Properties)
			maps.Copy(mergedProperties, params.Properties)
			merged.Params = &UpdatePropertiesParams{
				EntityId:   params.EntityId,
				Properties: mergedProperties,
			}
		}
	}
	return merged
}
