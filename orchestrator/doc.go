// Package orchestrator wires the task lifecycle, agent registry, selector,
// event bus, dispatcher and heartbeat monitor into one Service built from
// a config.Config.
//
//	svc, err := orchestrator.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Close(context.Background())
//
//	task, err := svc.CreateTask(ctx, tasks.Spec{Type: tasks.TypeMoodAnalysis})
//
// With the memory backend everything lives in process. The nats backend
// keeps agents, tasks, the event window and the dispatcher lease in a
// JetStream KV bucket, so several daemons can share one pool. The sqlite
// backend stores tasks in a local database file.
package orchestrator
