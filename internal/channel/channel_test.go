package channel

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// connectedPair creates a channel with a connected peer. The returned
// conn is the peer end, as the worker would hold it.
func connectedPair(t *testing.T, direction Direction) (*Channel, net.Conn) {
	t.Helper()

	ch, err := Create(t.TempDir(), "test", direction)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	conn, err := net.Dial("unix", ch.Name())
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := ch.AwaitPeer(time.Second); err != nil {
		t.Fatalf("AwaitPeer: %v", err)
	}
	return ch, conn
}

func TestCreateStates(t *testing.T) {
	ch, err := Create(t.TempDir(), "test", Duplex)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	if got := ch.State(); got != StateCreated {
		t.Errorf("state after Create = %v, want %v", got, StateCreated)
	}
	if got := ch.Direction(); got != Duplex {
		t.Errorf("direction = %v, want %v", got, Duplex)
	}
}

func TestAwaitPeerTimeout(t *testing.T) {
	ch, err := Create(t.TempDir(), "test", Duplex)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	start := time.Now()
	err = ch.AwaitPeer(50 * time.Millisecond)
	if !errors.Is(err, ErrAwaitPeerTimeout) {
		t.Fatalf("AwaitPeer error = %v, want ErrAwaitPeerTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("AwaitPeer took %v, expected prompt timeout", elapsed)
	}
}

func TestAwaitPeerAlreadyConnected(t *testing.T) {
	ch, _ := connectedPair(t, Duplex)

	// Second call returns immediately.
	if err := ch.AwaitPeer(time.Millisecond); err != nil {
		t.Fatalf("AwaitPeer when connected: %v", err)
	}
	if got := ch.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestTryReadNoData(t *testing.T) {
	ch, _ := connectedPair(t, Inbound)

	buf := make([]byte, 64)
	n, err := ch.TryRead(buf)
	if n != 0 || err != nil {
		t.Errorf("TryRead on idle channel = (%d, %v), want (0, nil)", n, err)
	}
}

func TestTryReadDeliversBytes(t *testing.T) {
	ch, peer := connectedPair(t, Inbound)

	want := []byte("some worker output\n")
	if _, err := peer.Write(want); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	var got []byte
	buf := make([]byte, 8) // Smaller than the payload: takes several reads
	deadline := time.Now().Add(time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		n, err := ch.TryRead(buf)
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		got = append(got, buf[:n]...)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("TryRead bytes = %q, want %q", got, want)
	}
}

func TestTryReadPeerDisconnect(t *testing.T) {
	ch, peer := connectedPair(t, Inbound)

	if _, err := peer.Write([]byte("last words")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	peer.Close()

	// Buffered bytes drain first, then the disconnect surfaces.
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := ch.TryRead(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if !errors.Is(err, ErrPeerClosed) {
				t.Fatalf("TryRead error = %v, want ErrPeerClosed", err)
			}
			if string(got) != "last words" {
				t.Errorf("drained %q before disconnect, want %q", got, "last words")
			}
			return
		}
	}
	t.Fatal("never observed peer disconnect")
}

func TestWriteRoundTrip(t *testing.T) {
	ch, peer := connectedPair(t, Duplex)

	if _, err := ch.Write([]byte("HEARTBEAT\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if got := string(buf[:n]); got != "HEARTBEAT\n" {
		t.Errorf("peer received %q, want %q", got, "HEARTBEAT\n")
	}
}

func TestWriteBeforeConnect(t *testing.T) {
	ch, err := Create(t.TempDir(), "test", Duplex)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write before connect = %v, want ErrNotConnected", err)
	}
}

func TestDirectionEnforcement(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		op        func(*Channel) error
	}{
		{
			name:      "write on inbound",
			direction: Inbound,
			op: func(ch *Channel) error {
				_, err := ch.Write([]byte("x"))
				return err
			},
		},
		{
			name:      "read on outbound",
			direction: Outbound,
			op: func(ch *Channel) error {
				_, err := ch.TryRead(make([]byte, 8))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, _ := connectedPair(t, tt.direction)
			if err := tt.op(ch); !errors.Is(err, ErrDirection) {
				t.Errorf("error = %v, want ErrDirection", err)
			}
		})
	}
}

func TestCloseIdempotent(t *testing.T) {
	ch, _ := connectedPair(t, Duplex)

	for i := 0; i < 3; i++ {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if got := ch.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}

	if _, err := ch.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := ch.TryRead(make([]byte, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("TryRead after Close = %v, want ErrClosed", err)
	}
}

func TestCloseConcurrentWithWrites(t *testing.T) {
	// A write racing a close must fail cleanly, never corrupt state.
	// The signal bridge closes the control channel while the run loop
	// may be mid-heartbeat; this simulates that overlap.
	ch, peer := connectedPair(t, Duplex)

	// Drain the peer end so writes don't block on a full socket buffer.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := ch.Write([]byte("HEARTBEAT\n"))
				if err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("racing write error = %v, want nil or ErrClosed", err)
					return
				}
			}
		}()
	}
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Close()
		}()
	}
	wg.Wait()

	if got := ch.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
}

func TestCloseUnblocksAwaitPeer(t *testing.T) {
	ch, err := Create(t.TempDir(), "test", Duplex)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- ch.AwaitPeer(0) // Would block forever
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("AwaitPeer returned nil after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitPeer still blocked after Close")
	}
}

func TestDialSelf(t *testing.T) {
	ch, err := Create(t.TempDir(), "test", Inbound)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	f, err := ch.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer f.Close()

	if err := ch.AwaitPeer(time.Second); err != nil {
		t.Fatalf("AwaitPeer after self-dial: %v", err)
	}

	// Bytes written to the dialed file arrive on the channel, exactly
	// how the worker's wired stdout behaves.
	if _, err := f.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write to dialed file: %v", err)
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := ch.TryRead(buf)
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		if n > 0 {
			if got := string(buf[:n]); got != "hello\n" {
				t.Errorf("TryRead = %q, want %q", got, "hello\n")
			}
			return
		}
	}
	t.Fatal("self-dialed bytes never arrived")
}

func TestCreateFailsOnBadDir(t *testing.T) {
	_, err := Create("/nonexistent-dir-for-test", "test", Duplex)
	if err == nil {
		t.Fatal("Create in nonexistent dir succeeded, want error")
	}
}
