package msgchan

import (
	"context"
	"net"
	"testing"

	"github.com/jumbomem/jumbomem-go/transport"
)

// pipeDialer returns a Dialer that always hands back one side of an
// in-process net.Pipe, with the other side exposed via the returned channel
// for a fake peer goroutine to drive.
func pipeDialer(peerConns chan<- net.Conn) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		peerConns <- server
		return client, nil
	}
}

func fakePeer(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	go func() {
		op, _, length, err := ReadRequest(conn)
		if err != nil {
			return
		}
		switch op {
		case opFetch:
			conn.Write(data[:length])
		case opEvict:
			buf := make([]byte, length)
			_, _ = conn.Read(buf)
		}
	}()
}

func TestDialNoPeersReturnsErrNoPeers(t *testing.T) {
	tr := New([]string{"127.0.0.1:0"}, func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, net.ErrClosed
	}, nil)
	if err := tr.Dial(context.Background()); err != transport.ErrNoPeers {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	peerConns := make(chan net.Conn, 1)
	tr := New([]string{"peer0"}, pipeDialer(peerConns), nil)
	if err := tr.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-peerConns
	want := []byte("hello-page-data!")
	fakePeer(t, server, want)

	buf := make([]byte, len(want))
	h, err := tr.FetchBegin(context.Background(), 0, 42, buf)
	if err != nil {
		t.Fatalf("fetch begin: %v", err)
	}
	if err := tr.FetchEnd(context.Background(), h); err != nil {
		t.Fatalf("fetch end: %v", err)
	}
	if string(buf) != string(want) {
		t.Fatalf("got %q, want %q", buf, want)
	}
}

func TestOutstandingCapEnforced(t *testing.T) {
	peerConns := make(chan net.Conn, 1)
	tr := New([]string{"peer0"}, pipeDialer(peerConns), nil)
	if err := tr.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-peerConns

	for i := 0; i < maxOutstandingPerKind; i++ {
		if err := tr.beginOp(transport.KindFetch); err != nil {
			t.Fatalf("beginOp %d: %v", i, err)
		}
	}
	if err := tr.beginOp(transport.KindFetch); err == nil {
		t.Fatal("expected outstanding-op cap to be enforced")
	}
}
