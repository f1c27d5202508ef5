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
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

const (
	// MinFrameGap is the lower bound of the inter-frame silence.
	MinFrameGap = 4 * time.Millisecond

	// IdlePoll is the serial read timeout. A poll that returns nothing
	// also ends a frame in progress.
	IdlePoll = 100 * time.Millisecond

	// DrainWindow bounds how long stale input is discarded before a request.
	DrainWindow = 10 * time.Millisecond

	// MaxRTUFrameSize is the largest valid RTU frame.
	MaxRTUFrameSize = 256

	readChunkSize = 512
	chunkBacklog  = 64
)

// InterFrameGap returns the silence that ends an RTU frame at the given
// baud rate: 3.5 character times of 11 bits, but never less than
// MinFrameGap.
func InterFrameGap(baud int) time.Duration {
	if baud <= 0 {
		return MinFrameGap
	}
	gap := time.Duration(float64(time.Second) * 11 * 3.5 / float64(baud))
	return max(gap, MinFrameGap)
}

// RTUFramer cuts a continuous serial byte stream into frames using
// inter-character silence. A pump goroutine reads the port; Next hands out
// whatever accumulated before the line went quiet. The buffer is always
// handed over whole, there is no resynchronisation on CRC boundaries.
type RTUFramer struct {
	gap     time.Duration
	maxSize int

	chunks chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewRTUFramer starts framing r at the given baud rate. The framer does not
// own r: closing r ends the pump, and Close stops it at the next read.
func NewRTUFramer(r io.Reader, baud int) *RTUFramer {
	f := &RTUFramer{
		gap:     min(InterFrameGap(baud), IdlePoll),
		maxSize: MaxRTUFrameSize,
		chunks:  make(chan []byte, chunkBacklog),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.pump(r)
	return f
}

// Gap returns the silence that ends a frame.
func (f *RTUFramer) Gap() time.Duration {
	return f.gap
}

func (f *RTUFramer) pump(r io.Reader) {
	defer close(f.done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case f.chunks <- chunk:
			case <-f.stop:
				return
			}
		}
		if err != nil {
			if isReadTimeout(err) {
				select {
				case <-f.stop:
					return
				default:
					continue
				}
			}
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			return
		}
	}
}

// Next returns the next frame. It blocks until the first byte arrives, then
// collects bytes until the line has been silent for the inter-frame gap.
// When expected is positive the frame is also complete as soon as that many
// bytes arrived. On cancellation the bytes collected so far are returned
// together with ctx.Err().
func (f *RTUFramer) Next(ctx context.Context, expected int) ([]byte, error) {
	var frame []byte

	select {
	case c := <-f.chunks:
		frame = append(frame, c...)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		// Hand out anything the pump queued before it stopped.
		select {
		case c := <-f.chunks:
			frame = append(frame, c...)
		default:
			return nil, f.closedErr()
		}
	}

	timer := time.NewTimer(f.gap)
	defer timer.Stop()

	for !f.complete(frame, expected) {
		select {
		case c := <-f.chunks:
			frame = append(frame, c...)
			timer.Reset(f.gap)
		case <-timer.C:
			return frame, nil
		case <-ctx.Done():
			return frame, ctx.Err()
		case <-f.done:
			if len(f.chunks) == 0 {
				return frame, nil
			}
		}
	}
	return frame, nil
}

func (f *RTUFramer) complete(frame []byte, expected int) bool {
	if len(frame) >= f.maxSize {
		return true
	}
	return expected > 0 && len(frame) >= expected
}

// Drain discards input that is already queued, for at most window. It
// returns the number of bytes discarded.
func (f *RTUFramer) Drain(window time.Duration) int {
	n := 0
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		select {
		case c := <-f.chunks:
			n += len(c)
		default:
			return n
		}
	}
	return n
}

// Err returns the error that stopped the pump, if any.
func (f *RTUFramer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done is closed once the pump goroutine has exited.
func (f *RTUFramer) Done() <-chan struct{} {
	return f.done
}

// Close stops the pump. The underlying reader must be closed separately
// to unblock a pending read.
func (f *RTUFramer) Close() {
	f.once.Do(func() { close(f.stop) })
}

func (f *RTUFramer) closedErr() error {
	if err := f.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func isReadTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}
