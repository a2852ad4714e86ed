package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler registers SIGINT/SIGTERM/SIGPIPE and returns a channel
// closed on the first one received, so a long-running recovery pass can
// cancel its context and let the current stage finish cleanly.
func setupSignalHandler() <-chan struct{} {
	shutdown := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nreceived signal: %v\n", sig)
		close(shutdown)
		signal.Stop(sigChan)
		if sig != syscall.SIGPIPE {
			fmt.Fprintf(os.Stderr, "initiating graceful shutdown...\n")
		}
	}()

	return shutdown
}
