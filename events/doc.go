// Package events is the lifecycle event bus for tasks and agents.
//
// Every state transition in the task manager and the agent registry
// publishes an Event. The bus keeps the newest events of each kind in a
// bounded window (optionally persisted to a state.StateStore so it
// survives restarts) and fans them out to live subscribers over a
// bus.MessageBus subject per kind:
//
//	b := events.New(bus.NewMemoryBus(bus.DefaultConfig()))
//	unsubscribe, _ := b.Subscribe(events.KindTask, func(e events.Event) {
//	    fmt.Println(e.Type, e.EntityID)
//	})
//	defer unsubscribe()
//
// Delivery never blocks the publisher. Each subscriber has a bounded
// queue; overflow drops the event for that subscriber. Handler panics are
// recovered and logged. There is no replay beyond the retained window,
// which Recent exposes.
//
// StreamHandler serves the same live feed over websockets.
package events
