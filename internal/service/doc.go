// Package service runs wipe and factory reset jobs.
//
// The Supervisor admits a single job at a time. Submit queues it, Attach
// hands out its event Stream and starts the process. The job moves through
//
//	QUEUED -> RUNNING -> SUCCEEDED | FAILED -> (idle)
//
// and the supervisor becomes idle only after the subscriber moved past the
// done event. A subscriber may go away early: the job runs to its end and the
// next Attach gets the final progress and done events.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process
//   - writes the secret and extra input lines to stdin, then closes it
//   - splits stdout and stderr into lines (\n, \r\n or \r)
//   - exposes a channel with the Result
//
// Data flow:
//
//	Supervisor              Runner{cmd}              process
//	    |                       |                       |
//	Attach -> spawn ----------->| Start() ------------->| stdin: secret\n
//	    |<-- stdout lines ------| drain goroutines <----| PROGRESS:<n>
//	    |   publish to Stream   |                       | CERTIFICATE:<json>
//	    |<------ Result --------| Wait() <--------------| exit
//	finish: persist, done event, upload
//
// Invariants:
//   - The secret is written to stdin once and never stored or logged.
//   - Stderr goes to the daemon log only.
//   - Every started job publishes progress 100 and then exactly one done event.
//   - A job that fails to spawn publishes only the done event.
//   - Jobs are never cancelled or timed out.
//
// service_test.go is the best source about how to use the Supervisor.
package service
