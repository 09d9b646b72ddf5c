package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOperationValidate(t *testing.T) {
	sessionId := NewId()

	operation := NewLocalOperation(sessionId, &MoveParams{
		EntityId: NewId(),
		Position: [2]float64{10, 10},
	})
	assert.Equal(t, nil, operation.Validate())

	operation = NewLocalOperation(sessionId, &MoveParams{})
	err := operation.Validate()
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)

	operation = NewLocalOperation(sessionId, &CreateParams{})
	_, ok = operation.Validate().(*ValidationError)
	assert.Equal(t, true, ok)

	operation = NewLocalOperation(sessionId, &CreateParams{
		Entities: []*Entity{{Id: NewId(), Kind: EntityKind("hologram")}},
	})
	_, ok = operation.Validate().(*ValidationError)
	assert.Equal(t, true, ok)

	operation = NewLocalOperation(sessionId, &ResizeParams{
		EntityId: NewId(),
		Size:     [2]float64{-5, 10},
	})
	_, ok = operation.Validate().(*ValidationError)
	assert.Equal(t, true, ok)

	operation = NewLocalOperation(sessionId, nil)
	_, ok = operation.Validate().(*ValidationError)
	assert.Equal(t, true, ok)
}

func TestOperationExecuteAndUndo(t *testing.T) {
	store := NewMemoryEntityStore()
	sessionId := NewId()

	entity := testEntity(EntityKindImage, 0, 0)
	store.Add(entity)

	move := NewLocalOperation(sessionId, &MoveParams{
		EntityId: entity.Id,
		Position: [2]float64{25, 40},
	})
	assert.Equal(t, nil, move.PrepareUndoData(store))
	assert.NotEqual(t, move.UndoData(), nil)

	_, err := move.Execute(store)
	assert.Equal(t, nil, err)
	assert.Equal(t, [2]float64{25, 40}, store.GetById(entity.Id).Transform.Position)
	assert.Equal(t, true, move.Executed())

	assert.Equal(t, nil, move.Undo(store))
	assert.Equal(t, [2]float64{0, 0}, store.GetById(entity.Id).Transform.Position)
}

func TestOperationUndoWithoutData(t *testing.T) {
	store := NewMemoryEntityStore()
	entity := testEntity(EntityKindText, 0, 0)
	store.Add(entity)

	move := NewLocalOperation(NewId(), &MoveParams{
		EntityId: entity.Id,
		Position: [2]float64{1, 1},
	})
	err := move.Undo(store)
	_, ok := err.(*MissingUndoDataError)
	assert.Equal(t, true, ok)
}

func TestOperationPrepareUndoDataMissingTarget(t *testing.T) {
	store := NewMemoryEntityStore()

	move := NewLocalOperation(NewId(), &MoveParams{
		EntityId: NewId(),
		Position: [2]float64{1, 1},
	})
	err := move.PrepareUndoData(store)
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
}

func TestCreateUndoRemovesPlaceholders(t *testing.T) {
	store := NewMemoryEntityStore()
	sessionId := NewId()

	a := testEntity(EntityKindImage, 1, 1)
	b := testEntity(EntityKindVideo, 2, 2)
	create := NewLocalOperation(sessionId, &CreateParams{Entities: []*Entity{a, b}})
	assert.Equal(t, nil, create.PrepareUndoData(store))

	_, err := create.Execute(store)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(store.Nodes()))
	assert.Equal(t, true, store.GetById(a.Id).Temp)

	assert.Equal(t, nil, create.Undo(store))
	assert.Equal(t, 0, len(store.Nodes()))
}

func TestDeleteUndoRestoresEntities(t *testing.T) {
	store := NewMemoryEntityStore()
	entity := testEntity(EntityKindText, 3, 4)
	entity.Properties["text"] = "hello"
	store.Add(entity)

	del := NewLocalOperation(NewId(), &DeleteParams{EntityIds: []Id{entity.Id}})
	assert.Equal(t, nil, del.PrepareUndoData(store))
	_, err := del.Execute(store)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(store.Nodes()))

	assert.Equal(t, nil, del.Undo(store))
	restored := store.GetById(entity.Id)
	assert.NotEqual(t, restored, nil)
	assert.Equal(t, "hello", restored.Properties["text"])
	assert.Equal(t, [2]float64{3, 4}, restored.Transform.Position)
}

func TestOperationMerge(t *testing.T) {
	store := NewMemoryEntityStore()
	sessionId := NewId()
	entity := testEntity(EntityKindImage, 0, 0)
	store.Add(entity)

	first := NewLocalOperation(sessionId, &MoveParams{
		EntityId: entity.Id,
		Position: [2]float64{5, 5},
	})
	assert.Equal(t, nil, first.PrepareUndoData(store))
	second := NewLocalOperation(sessionId, &MoveParams{
		EntityId: entity.Id,
		Position: [2]float64{9, 9},
	})
	assert.Equal(t, true, first.CanMergeWith(second))

	merged := first.MergeWith(second)
	// the newer parameters win, the earlier identity and undo data stay
	assert.Equal(t, first.Id, merged.Id)
	assert.Equal(t, [2]float64{9, 9}, merged.Params.(*MoveParams).Position)
	assert.NotEqual(t, merged.UndoData(), nil)
	assert.Equal(t, [2]float64{0, 0}, merged.UndoData().Entities[0].Transform.Position)

	// different targets never merge
	other := NewLocalOperation(sessionId, &MoveParams{
		EntityId: NewId(),
		Position: [2]float64{1, 1},
	})
	assert.Equal(t, false, first.CanMergeWith(other))

	// different kinds never merge
	rotate := NewLocalOperation(sessionId, &RotateParams{
		EntityId: entity.Id,
		Rotation: 45,
	})
	assert.Equal(t, false, first.CanMergeWith(rotate))

	// remote operations never merge
	remote := NewRemoteOperation(NewId(), NewId(), &MoveParams{
		EntityId: entity.Id,
		Position: [2]float64{2, 2},
	})
	assert.Equal(t, false, first.CanMergeWith(remote))
}

func TestUpdatePropertiesMergeUnion(t *testing.T) {
	sessionId := NewId()
	entityId := NewId()

	first := NewLocalOperation(sessionId, &UpdatePropertiesParams{
		EntityId:   entityId,
		Properties: map[string]any{"opacity": 0.5, "label": "a"},
	})
	second := NewLocalOperation(sessionId, &UpdatePropertiesParams{
		EntityId:   entityId,
		Properties: map[string]any{"opacity": 0.9},
	})
	merged := first.MergeWith(second)
	params := merged.Params.(*UpdatePropertiesParams)
	assert.Equal(t, 0.9, params.Properties["opacity"])
	assert.Equal(t, "a", params.Properties["label"])
}

func TestSnapshotRestore(t *testing.T) {
	store := NewMemoryEntityStore()
	a := testEntity(EntityKindImage, 1, 2)
	a.Transform.Rotation = 30
	a.Properties["src"] = "a.png"
	b := testEntity(EntityKindText, 3, 4)
	store.Add(a)
	store.Add(b)

	snapshot := captureSnapshot(store)

	// mutate: move a, delete b, add c
	store.GetById(a.Id).Transform.Position = [2]float64{99, 99}
	store.Remove(b.Id)
	store.Add(testEntity(EntityKindVideo, 5, 5))

	restoreSnapshot(store, snapshot)

	assert.Equal(t, 2, len(store.Nodes()))
	restoredA := store.GetById(a.Id)
	assert.Equal(t, [2]float64{1, 2}, restoredA.Transform.Position)
	assert.Equal(t, float64(30), restoredA.Transform.Rotation)
	assert.Equal(t, "a.png", restoredA.Properties["src"])
	assert.NotEqual(t, store.GetById(b.Id), nil)
}

func TestWireRoundTrip(t *testing.T) {
	sessionId := NewId()
	entity := testEntity(EntityKindImage, 7, 8)

	operation := NewLocalOperation(sessionId, &CreateParams{Entities: []*Entity{entity}})
	dispatch, err := dispatchForOperation(operation, 12)
	assert.Equal(t, nil, err)
	assert.Equal(t, OperationKindCreate, dispatch.Type)
	assert.Equal(t, uint64(12), dispatch.StateVersion)

	decoded, err := operationFromDispatch(dispatch)
	assert.Equal(t, nil, err)
	assert.Equal(t, operation.Id, decoded.Id)
	assert.Equal(t, OperationOriginRemote, decoded.Origin)
	params := decoded.Params.(*CreateParams)
	assert.Equal(t, 1, len(params.Entities))
	assert.Equal(t, entity.Id, params.Entities[0].Id)
	assert.Equal(t, [2]float64{7, 8}, params.Entities[0].Transform.Position)

	// unknown kinds are an error, never a silent miss
	dispatch.Type = OperationKind("teleport")
	_, err = operationFromDispatch(dispatch)
	assert.NotEqual(t, err, nil)
}
