package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

type EntityKind string

const (
	EntityKindImage EntityKind = "image"
	EntityKindVideo EntityKind = "video"
	EntityKindText  EntityKind = "text"
)

type Transform struct {
	Position [2]float64 `json:"position"`
	Size     [2]float64 `json:"size"`
	Rotation float64    `json:"rotation"`
}

// Entity is one node of the shared graph.
// `Temp` marks a locally created placeholder that the server has not
// confirmed yet. Placeholders paint immediately and are swapped for the
// server's canonical entity on acknowledgment.
type Entity struct {
	Id         Id             `json:"id"`
	Kind       EntityKind     `json:"kind"`
	Transform  Transform      `json:"transform"`
	Properties map[string]any `json:"properties,omitempty"`
	Temp       bool           `json:"temp,omitempty"`
}

func (self *Entity) Clone() *Entity {
	out := &Entity{
		Id:        self.Id,
		Kind:      self.Kind,
		Transform: self.Transform,
		Temp:      self.Temp,
	}
	if self.Properties != nil {
		out.Properties = map[string]any{}
		maps.Copy(out.Properties, self.Properties)
	}
	return out
}

// EntityReader is the read-only view handed to components that observe
// but must not mutate the graph.
type EntityReader interface {
	GetById(entityId Id) *Entity
	Nodes() []*Entity
}

// EntityStore is the render/graph collaborator. Only the currently
// executing operation, the currently applying server delta, or the
// currently running transaction may call the mutating methods.
type EntityStore interface {
	EntityReader
	Add(entity *Entity)
	Remove(entityId Id)
	Clear()
}

// MemoryEntityStore is the in-package store used by tests and by
// embedders that do not attach a canvas.
type MemoryEntityStore struct {
	stateLock sync.Mutex
	entities  map[Id]*Entity
	order     []Id
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: map[Id]*Entity{},
		order:    []Id{},
	}
}

func (self *MemoryEntityStore) Add(entity *Entity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entities[entity.Id]; !ok {
		self.order = append(self.order, entity.Id)
	}
	self.entities[entity.Id] = entity
}

func (self *MemoryEntityStore) Remove(entityId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entities[entityId]; !ok {
		return
	}
	delete(self.entities, entityId)
	for i, orderedId := range self.order {
		if orderedId == entityId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *MemoryEntityStore) GetById(entityId Id) *Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.entities[entityId]
}

func (self *MemoryEntityStore) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.entities)
	self.order = self.order[:0]
}

func (self *MemoryEntityStore) Nodes() []*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodes := make([]*Entity, 0, len(self.order))
	for _, entityId := range self.order {
		nodes = append(nodes, self.entities[entityId])
	}
	return nodes
}

// entitySnapshot is a deep copy of every entity in the store, keyed by id.
// Rollback restores the store to exactly this set: entities absent from the
// snapshot are removed, entities present are restored verbatim, recreating
// any that vanished.
type entitySnapshot map[Id]*Entity

func captureSnapshot(store EntityReader) entitySnapshot {
	snapshot := entitySnapshot{}
	for _, entity := range store.Nodes() {
		snapshot[entity.Id] = entity.Clone()
	}
	return snapshot
}

func restoreSnapshot(store EntityStore, snapshot entitySnapshot) {
	for _, entity := range store.Nodes() {
		if _, ok := snapshot[entity.Id]; !ok {
			store.Remove(entity.Id)
		}
	}
	for _, entity := range snapshot {
		store.Add(entity.Clone())
	}
}
