// Package process supervises external worker processes, one per stream id.
//
// Supervisor owns the worker table:
//   - Spawn installs a worker only after the OS reports a pid
//   - Terminate sends SIGINT to the worker's process group and escalates
//     to SIGKILL after the grace period
//   - a worker leaves the table when its exit is observed, never when a
//     signal is sent
//   - CloseAll stops every worker concurrently at shutdown
//
// Lifecycle notifications arrive on a single channel:
//
//	sup := process.NewSupervisor(process.Options{
//	    Logger:    logging.GetLogger("supervisor"),
//	    LogParser: ffmpeg.ParseLogLevel,
//	})
//	w, err := sup.Spawn(id, "ffmpeg", args)
//	...
//	for ev := range sup.Events() {
//	    switch ev.Kind {
//	    case process.EventExited:
//	        log.Printf("%s exited with %d", ev.ID, ev.ExitCode)
//	    }
//	}
package process
