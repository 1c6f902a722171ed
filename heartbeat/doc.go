// Package heartbeat provides agent liveness detection.
//
// Agents publish a Heartbeat on heartbeat.<agent-id> every few seconds.
// The orchestrator runs a BusMonitor subscribed to heartbeat.*; each beat
// touches the agent's lastActiveAt in the registry, and an agent silent
// for longer than the timeout is moved to offline. A later beat brings
// it back.
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     msgBus,
//	    Tracker: reg,
//	    Timeout: 15 * time.Second,
//	})
//	monitor.Start(ctx)
//
// Agent side:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      msgBus,
//	    AgentID:  "content-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetLoad(1, 4)
//	sender.Start(ctx)
//
// Set the timeout to 2-3x the heartbeat interval.
package heartbeat
