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

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/goburrow/serial"
)

// fakeSlave accepts one connection and answers every 12 byte request with
// reply, or stays silent when reply is nil.
func fakeSlave(t *testing.T, reply []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req := make([]byte, 12)
		for {
			if _, err := io.ReadFull(conn, req); err != nil {
				return
			}
			if reply != nil {
				conn.Write(reply)
			}
		}
	}()
	return ln
}

func TestTCPTransportExchange(t *testing.T) {
	reply := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x0A, 0x00, 0x0B}
	ln := fakeSlave(t, reply)

	tr := NewTCPTransport(ln.Addr().String(), time.Second)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("expected connected transport")
	}

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	got, err := tr.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("reply = % X, want % X", got, reply)
	}
}

func TestTCPTransportTimeout(t *testing.T) {
	ln := fakeSlave(t, nil)

	tr := NewTCPTransport(ln.Addr().String(), time.Second)
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	_, err := tr.Exchange(ctx, req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
	if tr.IsConnected() {
		t.Error("transport should be disconnected after a timeout")
	}
}

func TestTCPTransportInvalidProtocolID(t *testing.T) {
	ln := fakeSlave(t, []byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x03, 0x01, 0x83, 0x02})

	tr := NewTCPTransport(ln.Addr().String(), time.Second)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	if _, err := tr.Exchange(ctx, req); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestTCPTransportNotConnected(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:1", time.Second)
	if _, err := tr.Exchange(context.Background(), []byte{0x00}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

// pipeOpener returns an Opener handing out one end of a net.Pipe; the other
// end plays the slave.
func pipeOpener(slave func(conn net.Conn)) Opener {
	return func(cfg *serial.Config) (io.ReadWriteCloser, error) {
		master, dev := net.Pipe()
		go slave(dev)
		return master, nil
	}
}

func TestSerialTransportExchange(t *testing.T) {
	reply := []byte{0x01, 0x06, 0x00, 0x32, 0x00, 0x01, 0xE9, 0xC5}
	tr := NewSerialTransport(SerialConfig("/dev/null", 19200, 0, 0, ""), pipeOpener(func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			conn.Write(reply)
		}
	}))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got, err := tr.Exchange(ctx, reply, 0)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("reply = % X, want % X", got, reply)
	}
}

func TestSerialTransportSilenceKeepsPortOpen(t *testing.T) {
	tr := NewSerialTransport(SerialConfig("/dev/null", 9600, 8, 1, "N"), pipeOpener(func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	}))
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Exchange(ctx, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, 7)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !tr.IsConnected() {
		t.Error("a silent slave must not close the port")
	}
}

func TestSerialConfigDefaults(t *testing.T) {
	cfg := SerialConfig("/dev/ttyUSB0", 0, 0, 0, "")
	if cfg.BaudRate != 9600 || cfg.DataBits != 8 || cfg.StopBits != 1 || cfg.Parity != "N" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Timeout != IdlePoll {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, IdlePoll)
	}
}
