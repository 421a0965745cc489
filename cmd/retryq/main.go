package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ttn-nguyen42/retryq"
)

func main() {
	opts, err := retryq.LoadOptions()
	if err != nil {
		log.Fatalf("failed to load options: %v", err)
	}

	rq := retryq.NewRetryq(opts)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- rq.Run()
	}()

	select {
	case <-ctx.Done():
		rq.Close()
		// Run returns once the stores are closed and traces are flushed
		err = <-done
	case err = <-done:
	}

	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
