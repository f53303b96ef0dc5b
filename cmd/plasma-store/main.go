package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	plasma "github.com/plasma-store/plasma-store"
	"github.com/plasma-store/plasma-store/internal/logging"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		socketPath = pflag.StringP("socket", "s", "", "Unix socket path to listen on (required)")
		verbose    = pflag.BoolP("verbose", "v", false, "Verbose output")
	)
	pflag.Parse()

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "plasma-store: -s/--socket is required")
		pflag.Usage()
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("starting plasma store", "socket", *socketPath)

	store, err := plasma.New(*socketPath, plasma.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing store")
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- store.Run(ctx) }()

	logger.Info("plasma store listening", "socket", store.SocketPath())
	fmt.Printf("plasma-store listening on %s\n", store.SocketPath())
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpGoroutineStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErrCh:
		if err != nil {
			storeErr := plasma.WrapError("run", err)
			logger.Error("store run loop exited with error", "op", storeErr.Op, "code", storeErr.Code, "error", storeErr)
			cancel()
			os.Exit(1)
		}
		logger.Info("store run loop exited")
		return
	}

	cancel()

	select {
	case <-runErrCh:
	case <-time.After(1 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}

	os.Exit(0)
}

func dumpGoroutineStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

	filename := fmt.Sprintf("plasma-store-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)

	logger.Info("stack trace written to file", "file", filename)
}
