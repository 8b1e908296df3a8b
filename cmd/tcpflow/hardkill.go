package main

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// hardKill terminates the process group, then the process itself, without running any
// deferred cleanup.
func hardKill(exitCode int) {
	pid := os.Getpid()
	pgid, _ := unix.Getpgid(pid)

	// Only signal the group when we lead it; otherwise the parent shell would be hit.
	if pgid == pid {
		for _, sig := range []unix.Signal{unix.SIGTERM, unix.SIGKILL} {
			_ = unix.Kill(-pgid, sig)
			time.Sleep(400 * time.Millisecond)
		}
	}
	os.Exit(exitCode)
}
