/*
Package miredo implements the Teredo daemon engine: a supervised,
privilege-separated worker process multiplexing traffic between a
tunneling interface and the Teredo UDP transport.

The supervisor process parses configuration and spawns the worker for
each generation.  The worker performs privileged interface setup, drops
privileges, constructs the relay and server objects its mode calls for,
and runs a single-threaded event loop until a signal arrives.  In
client mode the worker first spawns a privileged helper process which
retains the capability to reconfigure the interface; the worker drives
it over a typed request/response socket.

Signals reach the event loop through a signal bridge: a pipe whose
write end is fed from the process signal handler and whose read end
participates in the loop's readiness set.  The bridge's read end is
inherited by the worker process, so one pipe spans the supervisor and
the worker exactly as one address space would.

Process creation uses re-execution of the daemon binary under a
registered entrypoint name rather than a bare fork, which is unsafe
under the Go runtime.
*/
package miredo
