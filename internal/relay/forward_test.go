package relay

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"netforward/internal/common"
	"netforward/internal/config"
)

// startEngine sets up and runs an engine over real sockets. Cleanup closes
// it and waits for Run to return.
func startEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	engine := NewEngine(cfg, Options{})
	if err := engine.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- engine.Run() }()
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		select {
		case err := <-done:
			if !errors.Is(err, net.ErrClosed) {
				t.Errorf("Run() = %v, want net.ErrClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop after Close")
		}
	})
	return engine
}

func listen(t *testing.T, address string, port uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(address), Port: int(port)})
	if err != nil {
		t.Fatalf("listening on %s:%d: %v", address, port, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dial(t *testing.T, address string, port uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(address), Port: int(port)})
	if err != nil {
		t.Fatalf("dialing %s:%d: %v", address, port, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receiving on %s: %v", conn.LocalAddr(), err)
	}
	return buf[:n]
}

func expectSilence(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, _, err := conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("unexpected extra datagram of %d bytes on %s", n, conn.LocalAddr())
	}
}

func TestForwardOneSourceToThreeDestinations(t *testing.T) {
	destAddresses := []string{"127.0.0.2", "127.0.0.3", "127.0.0.5"}
	requireLoopback(t, destAddresses...)
	port := freePort(t)

	var receivers []*net.UDPConn
	cfg := config.Config{Port: port, Sources: []common.Address{common.MustParseAddress("127.0.0.1")}}
	for _, address := range destAddresses {
		receivers = append(receivers, listen(t, address, port))
		cfg.Dests = append(cfg.Dests, common.MustParseAddress(address))
	}
	engine := startEngine(t, cfg)
	if engine.State() == StateIdle {
		t.Fatal("engine still idle after Setup")
	}
	sender := dial(t, "127.0.0.1", port)

	for _, size := range []int{0, 1, 100, 1472, DatagramSize - 1, DatagramSize, DatagramSize + 808, 20000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		if _, err := sender.Write(payload); err != nil {
			t.Fatalf("sending %d bytes: %v", size, err)
		}
		want := payload[:min(size, DatagramSize)]
		for i, receiver := range receivers {
			got := receive(t, receiver)
			if !bytes.Equal(got, want) {
				t.Fatalf("size %d: dest %d received %d bytes, want %d identical bytes", size, i, len(got), len(want))
			}
		}
	}
	for _, receiver := range receivers {
		expectSilence(t, receiver)
	}
}

func TestForwardTwoSourcesPreservesPerSourceOrder(t *testing.T) {
	requireLoopback(t, "127.0.0.2", "127.0.0.4")
	port := freePort(t)

	receiver := listen(t, "127.0.0.2", port)
	startEngine(t, config.Config{
		Port:    port,
		Sources: []common.Address{common.MustParseAddress("127.0.0.1"), common.MustParseAddress("127.0.0.4")},
		Dests:   []common.Address{common.MustParseAddress("127.0.0.2")},
	})
	senders := map[string]*net.UDPConn{
		"a": dial(t, "127.0.0.1", port),
		"b": dial(t, "127.0.0.4", port),
	}

	const perSource = 50
	for i := 0; i < perSource; i++ {
		for _, name := range []string{"a", "b"} {
			if _, err := senders[name].Write([]byte(fmt.Sprintf("%s-%d", name, i))); err != nil {
				t.Fatalf("sending: %v", err)
			}
		}
	}

	next := map[string]int{"a": 0, "b": 0}
	for received := 0; received < 2*perSource; received++ {
		name, index, ok := strings.Cut(string(receive(t, receiver)), "-")
		if !ok {
			t.Fatal("malformed datagram")
		}
		sequence, err := strconv.Atoi(index)
		if err != nil {
			t.Fatal(err)
		}
		if sequence != next[name] {
			t.Fatalf("source %s: got datagram %d, want %d", name, sequence, next[name])
		}
		next[name]++
	}
	if next["a"] != perSource || next["b"] != perSource {
		t.Fatalf("per-source counts = %v", next)
	}
	expectSilence(t, receiver)
}

func TestSetupFailureForwardsNothing(t *testing.T) {
	port := freePort(t)
	receiver := listen(t, "127.0.0.1", port)

	engine := NewEngine(config.Config{
		Port:    port,
		Sources: []common.Address{common.MustParseAddress("192.0.2.1")},
		Dests:   []common.Address{common.MustParseAddress("127.0.0.1")},
	}, Options{})
	err := engine.Setup()
	if err == nil {
		engine.Close()
		t.Skip("platform allows binding non-local addresses")
	}
	assertKind(t, err, KindBind)
	if engine.State() != StateTerminated {
		t.Fatalf("state = %s", engine.State())
	}
	if len(engine.Dests()) != 0 {
		t.Fatal("destinations were set up after the source failed")
	}
	expectSilence(t, receiver)
}
