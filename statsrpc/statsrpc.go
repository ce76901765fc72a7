// Package statsrpc exposes a running Region's fault/eviction/prefetch
// counters over a Unix domain socket so jumbomemctl status can attach to a
// live process without sharing memory with it, the same separation the
// original drew between the instrumented process and jm_print_statistics's
// human-readable report.
package statsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/jumbomem/jumbomem-go/fault"
)

// Serve listens on sock and answers every connection with one JSON-encoded
// Snapshot, then closes it. It runs until ctx is canceled.
func Serve(ctx context.Context, sock string, stats *fault.Stats) error {
	_ = os.Remove(sock)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("statsrpc: listening on %s: %w", sock, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("statsrpc: accept: %w", err)
			}
		}
		go func() {
			defer conn.Close()
			_ = json.NewEncoder(conn).Encode(stats.Snapshot())
		}()
	}
}

// Fetch dials sock and decodes the single Snapshot it sends back.
func Fetch(sock string) (fault.Snapshot, error) {
	var snap fault.Snapshot
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return snap, fmt.Errorf("statsrpc: dialing %s: %w", sock, err)
	}
	defer conn.Close()
	if err := json.NewDecoder(conn).Decode(&snap); err != nil {
		return snap, fmt.Errorf("statsrpc: decoding snapshot: %w", err)
	}
	return snap, nil
}
