package scene

import (
	"fmt"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/events"
)

// EventType identifies what changed on the event's subject.
type EventType int

const (
	NodeCreate EventType = iota
	NodeDelete
	MaterialCreate
	MaterialDelete
	GeometrySphereCreate
	GeometrySphereDelete
	GeometrySphereParameters
	GeometrySphereParentNode
	GeometrySphereMaterial
)

var eventTypeNames = map[EventType]string{
	NodeCreate:               "NODE_CREATE",
	NodeDelete:               "NODE_DELETE",
	MaterialCreate:           "MATERIAL_CREATE",
	MaterialDelete:           "MATERIAL_DELETE",
	GeometrySphereCreate:     "GEOMETRY_SPHERE_CREATE",
	GeometrySphereDelete:     "GEOMETRY_SPHERE_DELETE",
	GeometrySphereParameters: "GEOMETRY_SPHERE_PARAMETERS",
	GeometrySphereParentNode: "GEOMETRY_SPHERE_PARENTNODE",
	GeometrySphereMaterial:   "GEOMETRY_SPHERE_MATERIAL",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event tells listeners that Subject changed.
type Event struct {
	Subject string
	Type    EventType
}

var sceneEvents = events.NewEventType[Event]()

// EventManager publishes scene events. Fired events are queued on the world
// and delivered to subscribers by Process.
type EventManager struct {
	world donburi.World
}

// Fire queues e.
func (m *EventManager) Fire(e Event) {
	sceneEvents.Publish(m.world, e)
}

// Subscribe registers fn for every event delivered by Process.
func (m *EventManager) Subscribe(fn func(Event)) {
	sceneEvents.Subscribe(m.world, func(_ donburi.World, e Event) {
		fn(e)
	})
}

// Process delivers the queued events in the order they were fired.
func (m *EventManager) Process() {
	sceneEvents.ProcessEvents(m.world)
}
