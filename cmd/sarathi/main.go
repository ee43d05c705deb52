// Command sarathi is the entry point for the sarathi companion service:
// the HTTP server plus offline tools for chatting, ingesting documents and
// maintaining user memory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("sarathi:", err)
		return 1
	}
	return 0
}
