package miredo

import "github.com/moby/sys/reexec"

// Child process entrypoint names.  The daemon binary re-executes
// itself under these names instead of forking; reexec.Init dispatches
// to the registered function when it finds one.
const (
	workerCommand   = "miredo-worker"
	privProcCommand = "miredo-privproc"
)

func init() {
	reexec.Register(workerCommand, workerMain)
	reexec.Register(privProcCommand, privProcMain)
}
