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

// Package transport moves raw Modbus frames over TCP sockets and serial
// lines. It knows how to delimit frames but not what they mean.
package transport

import "errors"

var (
	// ErrTimeout indicates no (complete) frame arrived in time.
	ErrTimeout = errors.New("transport: timeout")

	// ErrNotConnected indicates the link is not open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed indicates the framer or link was closed.
	ErrClosed = errors.New("transport: closed")

	// ErrProtocol indicates bytes that cannot start a valid frame.
	ErrProtocol = errors.New("transport: protocol violation")
)
