package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

var onlyOneSignalHandler = make(chan struct{})

// SetupSignalContext returns a context that is cancelled on the first
// SIGINT/SIGTERM so in-flight work can drain and the checkpoint can be
// flushed. A second signal exits immediately.
func SetupSignalContext() context.Context {
	close(onlyOneSignalHandler) // panics when called twice

	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		klog.Infof("received signal %s, finishing in-flight work", sig)
		cancel()
		<-c
		os.Exit(1)
	}()

	return ctx
}
