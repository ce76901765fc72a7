package statsrpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jumbomem/jumbomem-go/fault"
)

func TestServeAndFetchRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "jumbomem.sock")
	stats := fault.NewStats()
	stats.RecordFault(true, 5*time.Millisecond)
	stats.RecordFault(false, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan error, 1)
	go func() {
		ready <- Serve(ctx, sock, stats)
	}()

	var snap fault.Snapshot
	var err error
	for i := 0; i < 50; i++ {
		snap, err = Fetch(sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("fetch never succeeded: %v", err)
	}
	if snap.MajorFaults != 1 || snap.MinorFaults != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
