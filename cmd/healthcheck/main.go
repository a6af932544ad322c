// Package main provides a minimal healthcheck binary for container probes.
// It asks a bifrost server for its readiness report and exits with code 0
// when the server is ready, 1 otherwise.
// Usage: healthcheck [--timeout 5s] [http://localhost:8080]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bifrost-registry/bifrost/pkg/client"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "overall probe timeout")
	flag.Parse()

	baseURL := "http://localhost:8080"
	if flag.NArg() > 0 {
		baseURL = flag.Arg(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := check(ctx, baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

// check reports whether the server at baseURL is ready. Probes are not
// retried; the orchestrator repeats them.
func check(ctx context.Context, baseURL string) error {
	c := client.New(baseURL, client.WithMaxRetries(0), client.WithUserAgent("bifrost-healthcheck"))
	defer c.Close()

	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if h.Status != "ready" {
		return fmt.Errorf("status %q", h.Status)
	}
	return nil
}
