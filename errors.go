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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus exception carried by a response PDU.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// ExceptionReply is returned by Pipeline.ProcessRequest when a hook answers
// the request itself with a Modbus exception. Frame is already encoded for
// the upstream side and must be relayed to the master as is.
type ExceptionReply struct {
	Code  ExceptionCode
	Frame []byte
}

// Error implements the error interface.
func (e *ExceptionReply) Error() string {
	return fmt.Sprintf("modbus: hook answered with exception %s", e.Code)
}

// Common errors.
var (
	// ErrFrameTooShort indicates a frame shorter than its encoding requires.
	ErrFrameTooShort = errors.New("modbus: frame too short")

	// ErrCRCMismatch indicates an RTU frame whose trailing CRC is wrong.
	ErrCRCMismatch = errors.New("modbus: CRC mismatch")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrConnection indicates a connect, read or write failure on a link.
	ErrConnection = errors.New("modbus: connection error")

	// ErrTimeout indicates no response arrived within the exchange window.
	ErrTimeout = errors.New("modbus: timeout")

	// ErrHookBlocked indicates a hook intentionally dropped the exchange.
	ErrHookBlocked = errors.New("modbus: blocked by hook")

	// ErrUnsupportedFunctionCode indicates the response size of a function
	// code cannot be estimated. It is never a hard failure.
	ErrUnsupportedFunctionCode = errors.New("modbus: unsupported function code")

	// ErrNotConnected indicates the downstream link is not connected.
	ErrNotConnected = errors.New("modbus: not connected")

	// ErrConfig indicates invalid bridge configuration.
	ErrConfig = errors.New("modbus: invalid configuration")

	// ErrListenerRunning indicates Start was called on a running listener.
	ErrListenerRunning = errors.New("modbus: listener already running")

	// ErrClosed indicates the component has been stopped.
	ErrClosed = errors.New("modbus: closed")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsCodecError reports whether err comes from frame parsing.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrFrameTooShort) ||
		errors.Is(err, ErrCRCMismatch) ||
		errors.Is(err, ErrInvalidFrame)
}

// IsDropped reports whether err means the exchange was dropped on purpose
// or because of a failure, rather than answered with an exception reply.
func IsDropped(err error) bool {
	if err == nil {
		return false
	}
	var reply *ExceptionReply
	return !errors.As(err, &reply)
}
