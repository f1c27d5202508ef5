// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/serial"
)

func echoHandler(ctx context.Context, frame []byte, s *ClientSession) []byte {
	return frame
}

func startTCPListener(t *testing.T, h RequestHandler, opts ...ListenerOption) *TCPListener {
	t.Helper()
	l := NewTCPListener("127.0.0.1:0", opts...)
	l.SetRequestHandler(h)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func dial(t *testing.T, l *TCPListener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func requestWithTxID(txID uint16) []byte {
	return BuildTCPFrame(0x01, NewPDU(FuncReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x02}), txID)
}

func TestTCPListenerFrameSplitting(t *testing.T) {
	l := startTCPListener(t, echoHandler)
	conn := dial(t, l)

	first, second, third := requestWithTxID(1), requestWithTxID(2), requestWithTxID(3)

	// two frames in one segment, the third split in two
	conn.Write(append(bytes.Clone(first), second...))
	conn.Write(third[:4])
	time.Sleep(20 * time.Millisecond)
	conn.Write(third[4:])

	for i, want := range [][]byte{first, second, third} {
		f, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("reply %d: ReadFrame failed: %v", i, err)
		}
		if got := f.Encode(); !bytes.Equal(got, want) {
			t.Errorf("reply %d: % X, want % X", i, got, want)
		}
	}

	if got := l.Stats().FramesReceived; got != 3 {
		t.Errorf("FramesReceived = %d, want 3", got)
	}
}

func TestTCPListenerConcurrentSessions(t *testing.T) {
	l := startTCPListener(t, echoHandler)

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		conn := dial(t, l)
		wg.Add(1)
		go func(txID uint16) {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				if _, err := conn.Write(requestWithTxID(txID)); err != nil {
					t.Errorf("session %d: write: %v", txID, err)
					return
				}
				f, err := ReadFrame(conn)
				if err != nil {
					t.Errorf("session %d: read: %v", txID, err)
					return
				}
				if f.Header.TransactionID != txID {
					t.Errorf("session %d got a reply for transaction %d", txID, f.Header.TransactionID)
				}
			}
		}(uint16(i))
	}
	wg.Wait()

	if l.ClientCount() != 5 {
		t.Errorf("ClientCount = %d, want 5", l.ClientCount())
	}
}

func TestTCPListenerMaxConnections(t *testing.T) {
	l := startTCPListener(t, echoHandler, WithMaxConnections(1))

	first := dial(t, l)
	first.Write(requestWithTxID(1))
	if _, err := ReadFrame(first); err != nil {
		t.Fatalf("first session should be served: %v", err)
	}

	second := dial(t, l)
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("second session should be closed")
	}
	waitFor(t, "rejection", func() bool { return l.Stats().Rejected == 1 })
}

func TestTCPListenerProtocolViolation(t *testing.T) {
	l := startTCPListener(t, echoHandler)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"protocol id", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}},
		{"zero length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"oversized length", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, l)
			conn.Write(tt.frame)
			if _, err := io.ReadAll(conn); err != nil {
				t.Fatalf("expected the session to be closed, got %v", err)
			}
			waitFor(t, "protocol error count", func() bool { return l.Stats().ProtocolErrors == int64(i+1) })
		})
	}
}

func TestTCPListenerDroppedReply(t *testing.T) {
	l := startTCPListener(t, func(ctx context.Context, frame []byte, s *ClientSession) []byte {
		if binary.BigEndian.Uint16(frame[0:2]) == 1 {
			return nil
		}
		return frame
	})
	conn := dial(t, l)

	conn.Write(requestWithTxID(1))
	conn.Write(requestWithTxID(2))

	f, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Header.TransactionID != 2 {
		t.Errorf("got reply for transaction %d, want 2", f.Header.TransactionID)
	}
	waitFor(t, "reply count", func() bool { return l.Stats().RepliesSent == 1 })
}

func TestTCPListenerStartTwice(t *testing.T) {
	l := startTCPListener(t, echoHandler)
	if err := l.Start(context.Background()); !errors.Is(err, ErrListenerRunning) {
		t.Errorf("expected ErrListenerRunning, got %v", err)
	}
}

func TestTCPListenerRefusesSessionsWhileStopping(t *testing.T) {
	l := NewTCPListener("127.0.0.1:0")
	l.SetRequestHandler(echoHandler)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// a connection handed over by Accept after Stop released the sessions
	server, client := net.Pipe()
	defer client.Close()
	if l.accept(context.Background(), server) {
		t.Fatal("accept registered a session on a stopped listener")
	}
	if n := l.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d, want 0", n)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("late connection should be closed, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a session goroutine outlived Stop")
	}
}

func TestTCPListenerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewTCPListener("127.0.0.1:0")
	l.SetRequestHandler(echoHandler)
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dial(t, l)
	waitFor(t, "session", func() bool { return l.ClientCount() == 1 })

	cancel()
	waitFor(t, "listener stop", func() bool { return !l.IsRunning() })

	if _, err := io.ReadAll(conn); err != nil {
		t.Errorf("session should be closed cleanly, got %v", err)
	}
	if l.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after stop", l.ClientCount())
	}
}

func TestTCPListenerSessionTimeout(t *testing.T) {
	l := startTCPListener(t, echoHandler, WithSessionTimeout(50*time.Millisecond))
	conn := dial(t, l)

	waitFor(t, "session", func() bool { return l.ClientCount() == 1 })
	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("idle session should be closed, got %v", err)
	}
	waitFor(t, "session removal", func() bool { return l.ClientCount() == 0 })
}

// pipeSerial returns an opener handing out one end of an in-memory pipe
// and the other end for the test.
func pipeSerial() (SerialOpener, net.Conn) {
	port, peer := net.Pipe()
	return func(*serial.Config) (io.ReadWriteCloser, error) { return port, nil }, peer
}

func TestRTUListener(t *testing.T) {
	open, master := pipeSerial()
	defer master.Close()

	l, err := NewListener(EndpointConfig{FrameType: FrameRTU, Device: "/dev/pipe", BaudRate: 115200},
		WithSerialOpener(open))
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	reply := BuildRTUFrame(0x01, NewPDU(FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x03}))
	var got []byte
	l.SetRequestHandler(func(ctx context.Context, frame []byte, s *ClientSession) []byte {
		got = frame
		return reply
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	request := BuildRTUFrame(0x01, NewPDU(FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x03}))
	master.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := master.Write(request); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, len(reply))
	if _, err := io.ReadFull(master, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, reply) {
		t.Errorf("reply % X, want % X", buf, reply)
	}
	if !bytes.Equal(got, request) {
		t.Errorf("handler got % X, want % X", got, request)
	}

	waitFor(t, "reply count", func() bool { return l.Stats().RepliesSent == 1 })
	s := l.Stats()
	if s.Mode != "rtu" || s.Clients != 1 || s.FramesReceived != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRTUListenerOpenFailure(t *testing.T) {
	l := NewRTUListener(EndpointConfig{FrameType: FrameRTU, Device: "/dev/none"},
		WithSerialOpener(func(*serial.Config) (io.ReadWriteCloser, error) {
			return nil, errors.New("no such device")
		}))
	if err := l.Start(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
	if l.IsRunning() {
		t.Error("listener should not be running after a failed open")
	}
}

func TestNextMBAPFrame(t *testing.T) {
	frame := requestWithTxID(9)

	if f, _, err := nextMBAPFrame(frame[:5]); f != nil || err != nil {
		t.Errorf("partial header: got %v, %v", f, err)
	}
	if f, _, err := nextMBAPFrame(frame[:10]); f != nil || err != nil {
		t.Errorf("partial body: got %v, %v", f, err)
	}
	f, size, err := nextMBAPFrame(append(bytes.Clone(frame), 0x00, 0x0A))
	if err != nil || size != len(frame) || !bytes.Equal(f, frame) {
		t.Errorf("got % X, %d, %v", f, size, err)
	}
}
