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

// Package modbus provides a Modbus protocol bridge that relays requests
// between Modbus masters and slaves while converting between the TCP (MBAP)
// and RTU (CRC) encodings.
package modbus

import (
	"fmt"
	"strings"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncReadExceptionStatus    FunctionCode = 0x07
	FuncDiagnostics            FunctionCode = 0x08
	FuncGetCommEventCounter    FunctionCode = 0x0B
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
	FuncReportServerID         FunctionCode = 0x11
)

// exceptionFlag is set in the function code of an exception response.
const exceptionFlag FunctionCode = 0x80

// IsException reports whether the function code carries the exception flag.
func (fc FunctionCode) IsException() bool {
	return fc&exceptionFlag != 0
}

// Base returns the function code with the exception flag cleared.
func (fc FunctionCode) Base() FunctionCode {
	return fc &^ exceptionFlag
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	if fc.IsException() {
		return fc.Base().String() + "Exception"
	}
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncReadExceptionStatus:
		return "ReadExceptionStatus"
	case FuncDiagnostics:
		return "Diagnostics"
	case FuncGetCommEventCounter:
		return "GetCommEventCounter"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReportServerID:
		return "ReportServerID"
	default:
		return fmt.Sprintf("Function(0x%02X)", uint8(fc))
	}
}

// FrameType identifies one of the two Modbus wire encodings.
type FrameType int

const (
	// FrameTCP is the MBAP framed encoding used over TCP.
	FrameTCP FrameType = iota
	// FrameRTU is the CRC framed, timing delimited serial encoding.
	FrameRTU
)

// String returns the string representation of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameTCP:
		return "tcp"
	case FrameRTU:
		return "rtu"
	default:
		return "unknown"
	}
}

// ParseFrameType parses "tcp" or "rtu" (case insensitive).
func ParseFrameType(s string) (FrameType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return FrameTCP, nil
	case "rtu", "serial":
		return FrameRTU, nil
	default:
		return 0, fmt.Errorf("%w: unknown frame type %q", ErrConfig, s)
	}
}

// Protocol constants.
const (
	// MBAPHeaderSize is the size of the MBAP header in bytes, unit id included.
	MBAPHeaderSize = 7

	// mbapPrefixSize is the part of the header not counted by the length field.
	mbapPrefixSize = 6

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// MaxPDUSize is the maximum size of a Modbus PDU.
	MaxPDUSize = 253

	// MinTCPFrameSize is the smallest parseable TCP frame (header + function code).
	MinTCPFrameSize = MBAPHeaderSize + 1

	// MinRTUFrameSize is the smallest parseable RTU frame (unit + fc + CRC).
	MinRTUFrameSize = 4

	// MaxRTUFrameSize is the largest RTU frame (unit + PDU + CRC).
	MaxRTUFrameSize = 1 + MaxPDUSize + 2

	// DefaultTimeout is the default downstream response timeout.
	DefaultTimeout = 3 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultBaudRate is the default serial line speed.
	DefaultBaudRate = 9600

	// DefaultSessionTimeout is the idle read timeout of an upstream TCP session.
	DefaultSessionTimeout = 60 * time.Second
)

// ConnectionState represents the state of the downstream connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EndpointConfig describes one side of the bridge. TCP endpoints use
// Address; RTU endpoints use Device and the serial line parameters.
type EndpointConfig struct {
	FrameType FrameType

	// Address is a host:port. For the upstream side it is the listen address.
	Address string

	// Device is the serial device path, for example /dev/ttyUSB0.
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// withDefaults fills the serial line defaults (8N1 at DefaultBaudRate).
func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	return c
}

// Validate checks that the endpoint carries what its frame type needs.
func (c EndpointConfig) Validate() error {
	switch c.FrameType {
	case FrameTCP:
		if c.Address == "" {
			return fmt.Errorf("%w: tcp endpoint requires an address", ErrConfig)
		}
	case FrameRTU:
		if c.Device == "" {
			return fmt.Errorf("%w: rtu endpoint requires a serial device path", ErrConfig)
		}
		switch strings.ToUpper(c.Parity) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("%w: invalid parity %q", ErrConfig, c.Parity)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrConfig, c.FrameType)
	}
	return nil
}

// String returns a short human readable form of the endpoint.
func (c EndpointConfig) String() string {
	if c.FrameType == FrameRTU {
		return fmt.Sprintf("rtu://%s@%d", c.Device, c.withDefaults().BaudRate)
	}
	return "tcp://" + c.Address
}

// Config is the construction time configuration of a Bridge.
type Config struct {
	Upstream   EndpointConfig
	Downstream EndpointConfig

	// Timeout bounds each downstream exchange. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Validate checks both endpoints.
func (c Config) Validate() error {
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := c.Downstream.Validate(); err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrConfig)
	}
	return nil
}
