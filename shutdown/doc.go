// Package shutdown stops the daemon in phases.
//
// Components register a Handler with a phase. On SIGTERM, SIGINT or an
// explicit Shutdown the coordinator runs phases in ascending order and
// the handlers of one phase concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	defer coord.HandleSignals()()
//
//	coord.RegisterFunc("http", shutdown.PhaseIntake, srv.Shutdown)
//	coord.RegisterFunc("dispatcher", shutdown.PhaseWork, stopDispatch)
//	coord.RegisterFunc("stores", shutdown.PhaseState, closeStores)
//
//	<-coord.Done()
//
// A handler failure is recorded and, unless StopOnError is set, later
// phases still run so stores get closed after a failed drain.
package shutdown
