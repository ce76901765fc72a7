package jumbomem

import (
	"context"
	"net"
	"testing"

	jmconfig "github.com/jumbomem/jumbomem-go/config"
	"github.com/jumbomem/jumbomem-go/transport/msgchan"
)

type fakeProbe struct{}

func (fakeProbe) AvailablePhysicalMemory() (uint64, error) { return 64 << 20, nil }
func (fakeProbe) MaxMapCount() (uint64, error)             { return 1 << 20, nil }
func (fakeProbe) OSPageSize() uint64                       { return 4096 }

func TestOpenLocalOnlyWhenNoTransport(t *testing.T) {
	cfg := jmconfig.Default()
	region, err := Open(context.Background(), Options{Config: &cfg, SysProbe: fakeProbe{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !region.LocalOnly() {
		t.Fatal("expected a local-only region when no transport is configured")
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCollapsesToLocalOnlyWhenDialFindsNoPeers(t *testing.T) {
	cfg := jmconfig.Default()
	tr := msgchan.New([]string{"127.0.0.1:0"}, func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, net.ErrClosed
	}, nil)

	region, err := Open(context.Background(), Options{Config: &cfg, SysProbe: fakeProbe{}, Transport: tr})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !region.LocalOnly() {
		t.Fatal("expected collapse to local-only when the transport reports ErrNoPeers")
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenWithTransportInstallsBackendAndStats(t *testing.T) {
	cfg := jmconfig.Default()
	cfg.PageSize = 4096
	cfg.LocalPages = "4"
	cfg.Policy = jmconfig.PolicyFIFO

	peerConns := make(chan net.Conn, 1)
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		peerConns <- server
		return client, nil
	}
	tr := msgchan.New([]string{"peer0"}, dial, nil)
	go func() {
		conn := <-peerConns
		conn.Close()
	}()

	region, err := Open(context.Background(), Options{Config: &cfg, SysProbe: fakeProbe{}, Transport: tr})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if region.LocalOnly() {
		t.Fatal("expected a non-local region since the transport reported one peer")
	}
	if region.Backend() == BackendNone {
		t.Fatal("expected a fault backend to be installed")
	}
	snap := region.Stats()
	if snap.MajorFaults != 0 {
		t.Fatalf("expected no faults before any access, got %+v", snap)
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
