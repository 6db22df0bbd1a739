package relay

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"netforward/internal/common"
	"netforward/internal/config"
)

var (
	errScriptDone = errors.New("script exhausted")
	errWaitDone   = errors.New("no more batches")
)

type fakeRead struct {
	data []byte
	err  error
}

// fakeSocket replays scripted reads and records writes.
type fakeSocket struct {
	mu sync.Mutex

	openErr      error
	broadcastErr error
	bindErr      error
	connectErr   error
	writeErr     error
	// shortBy is subtracted from every successful write's byte count.
	shortBy int

	reads []fakeRead

	broadcast bool
	bound     netip.AddrPort
	connected netip.AddrPort
	writes    [][]byte
	closes    int
	shutdown  bool
}

func (s *fakeSocket) Fd() int { return -1 }

func (s *fakeSocket) EnableBroadcast() error {
	if s.broadcastErr != nil {
		return s.broadcastErr
	}
	s.broadcast = true
	return nil
}

func (s *fakeSocket) Bind(addr netip.AddrPort) error {
	if s.bindErr != nil {
		return s.bindErr
	}
	s.bound = addr
	return nil
}

func (s *fakeSocket) Connect(addr netip.AddrPort) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = addr
	return nil
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return 0, errScriptDone
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	if next.err != nil {
		return 0, next.err
	}
	return copy(p, next.data), nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte{}, p...))
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return len(p) - s.shortBy, nil
}

func (s *fakeSocket) LocalAddr() (netip.AddrPort, error) {
	if s.bound.IsValid() {
		return s.bound, nil
	}
	return netip.MustParseAddrPort("127.0.0.1:40000"), nil
}

func (s *fakeSocket) RemoteAddr() (netip.AddrPort, error) { return s.connected, nil }

func (s *fakeSocket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// fakeFactory hands out the given sockets in creation order. A socket whose
// openErr is set fails creation instead.
func fakeFactory(t *testing.T, sockets ...*fakeSocket) *BindingFactory {
	t.Helper()
	next := 0
	return &BindingFactory{open: func() (Socket, error) {
		if next >= len(sockets) {
			t.Fatalf("factory asked for socket %d, only %d scripted", next+1, len(sockets))
		}
		socket := sockets[next]
		next++
		if socket.openErr != nil {
			return nil, socket.openErr
		}
		return socket, nil
	}}
}

// scriptedMux returns the scripted ready batches, then errWaitDone.
type scriptedMux struct {
	batches [][]int
	err     error
}

func (m *scriptedMux) Wait() ([]int, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.batches) == 0 {
		return nil, errWaitDone
	}
	next := m.batches[0]
	m.batches = m.batches[1:]
	return next, nil
}

func testConfig(port uint16, sources, dests int) config.Config {
	cfg := config.Config{Port: port}
	for i := 0; i < sources; i++ {
		cfg.Sources = append(cfg.Sources, common.MustParseAddress(netip.AddrFrom4([4]byte{192, 168, byte(i + 1), 10}).String()))
	}
	for i := 0; i < dests; i++ {
		cfg.Dests = append(cfg.Dests, common.MustParseAddress(netip.AddrFrom4([4]byte{10, 0, byte(i), 255}).String()))
	}
	return cfg
}
