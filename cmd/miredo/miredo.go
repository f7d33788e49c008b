package main

import (
	"flag"
	stdlog "log"
	"os"

	"github.com/moby/sys/reexec"

	"github.com/teredoproj/go-teredo/miredo"
)

func main() {
	// Dispatch worker and helper re-executions before anything else.
	if reexec.Init() {
		return
	}

	cfgPathPtr := flag.String("config", "/etc/miredo.conf", "specify configuration file path")
	foregroundPtr := flag.Bool("foreground", false, "log to stderr instead of the system log")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	s, err := miredo.NewSupervisor(*cfgPathPtr, *foregroundPtr, *verbosePtr)
	if err != nil {
		stdlog.Fatalf("failed to instantiate supervisor: %v", err)
	}

	os.Exit(s.Run())
}
