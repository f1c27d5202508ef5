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
	"encoding/binary"
	"fmt"
	"io"
)

// PDU is a Modbus protocol data unit: a function code and its payload,
// independent of framing. Treat it as immutable once parsed.
type PDU struct {
	FunctionCode FunctionCode
	Data         []byte
}

// NewPDU builds a PDU, copying data.
func NewPDU(fc FunctionCode, data []byte) PDU {
	return PDU{FunctionCode: fc, Data: cloneBytes(data)}
}

// ParsePDU splits raw bytes into function code and data.
func ParsePDU(b []byte) (PDU, error) {
	if len(b) < 1 {
		return PDU{}, fmt.Errorf("%w: empty PDU", ErrFrameTooShort)
	}
	return PDU{FunctionCode: FunctionCode(b[0]), Data: cloneBytes(b[1:])}, nil
}

// Bytes returns the PDU in wire order.
func (p PDU) Bytes() []byte {
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.FunctionCode)
	copy(buf[1:], p.Data)
	return buf
}

// Len returns the encoded length of the PDU.
func (p PDU) Len() int {
	return 1 + len(p.Data)
}

// IsException reports whether the PDU is an exception response.
func (p PDU) IsException() bool {
	return p.FunctionCode.IsException()
}

// ExceptionCode returns the exception code of an exception PDU, or 0.
func (p PDU) ExceptionCode() ExceptionCode {
	if p.IsException() && len(p.Data) > 0 {
		return ExceptionCode(p.Data[0])
	}
	return 0
}

// Err returns the exception carried by the PDU as a *ModbusError, or nil.
func (p PDU) Err() error {
	if !p.IsException() {
		return nil
	}
	return NewModbusError(p.FunctionCode.Base(), p.ExceptionCode())
}

// Equal reports whether two PDUs carry the same bytes.
func (p PDU) Equal(o PDU) bool {
	if p.FunctionCode != o.FunctionCode || len(p.Data) != len(o.Data) {
		return false
	}
	for i := range p.Data {
		if p.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// BuildExceptionPDU builds the exception response PDU for fc.
func BuildExceptionPDU(fc FunctionCode, ec ExceptionCode) PDU {
	return PDU{FunctionCode: fc.Base() | exceptionFlag, Data: []byte{byte(ec)}}
}

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header needs %d bytes, got %d", ErrFrameTooShort, MBAPHeaderSize, len(data))
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// FrameSize returns the total size of the TCP frame this header announces.
func (h *MBAPHeader) FrameSize() int {
	return mbapPrefixSize + int(h.Length)
}

// ParseTCPFrame decodes an MBAP framed TCP frame.
func ParseTCPFrame(frame []byte) (MBAPHeader, PDU, error) {
	var h MBAPHeader
	if len(frame) < MinTCPFrameSize {
		return h, PDU{}, fmt.Errorf("%w: tcp frame needs %d bytes, got %d", ErrFrameTooShort, MinTCPFrameSize, len(frame))
	}
	if err := h.Decode(frame); err != nil {
		return h, PDU{}, err
	}
	if h.ProtocolID != ProtocolID {
		return h, PDU{}, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, h.ProtocolID)
	}
	if h.Length < 1 {
		return h, PDU{}, fmt.Errorf("%w: invalid length field %d", ErrInvalidFrame, h.Length)
	}
	if h.Length == 1 {
		return h, PDU{}, fmt.Errorf("%w: length field leaves no function code", ErrFrameTooShort)
	}
	if len(frame) < h.FrameSize() {
		return h, PDU{}, fmt.Errorf("%w: length field announces %d bytes, got %d", ErrFrameTooShort, h.FrameSize(), len(frame))
	}
	pdu, err := ParsePDU(frame[MBAPHeaderSize:h.FrameSize()])
	if err != nil {
		return h, PDU{}, err
	}
	return h, pdu, nil
}

// ParseRTUFrame decodes an RTU frame. When verify is true the trailing CRC
// must match.
func ParseRTUFrame(frame []byte, verify bool) (UnitID, PDU, error) {
	if len(frame) < MinRTUFrameSize {
		return 0, PDU{}, fmt.Errorf("%w: rtu frame needs %d bytes, got %d", ErrFrameTooShort, MinRTUFrameSize, len(frame))
	}
	if verify && !VerifyCRC(frame) {
		n := len(frame) - crcSize
		return 0, PDU{}, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrCRCMismatch,
			binary.LittleEndian.Uint16(frame[n:]), ComputeCRC16(frame[:n]))
	}
	pdu, err := ParsePDU(frame[1 : len(frame)-crcSize])
	if err != nil {
		return 0, PDU{}, err
	}
	return UnitID(frame[0]), pdu, nil
}

// BuildTCPFrame encodes unitID and pdu with an MBAP header.
func BuildTCPFrame(unitID UnitID, pdu PDU, transactionID uint16) []byte {
	f := Frame{
		Header: MBAPHeader{
			TransactionID: transactionID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		PDU: pdu.Bytes(),
	}
	return f.Encode()
}

// BuildRTUFrame encodes unitID and pdu followed by a freshly computed CRC.
func BuildRTUFrame(unitID UnitID, pdu PDU) []byte {
	buf := make([]byte, 0, 1+pdu.Len()+crcSize)
	buf = append(buf, byte(unitID), byte(pdu.FunctionCode))
	buf = append(buf, pdu.Data...)
	return AppendCRC(buf)
}

// ParseFrame decodes frame according to ft. The transaction id is 0 for RTU.
func ParseFrame(ft FrameType, frame []byte) (UnitID, PDU, uint16, error) {
	switch ft {
	case FrameTCP:
		h, pdu, err := ParseTCPFrame(frame)
		return h.UnitID, pdu, h.TransactionID, err
	case FrameRTU:
		unit, pdu, err := ParseRTUFrame(frame, true)
		return unit, pdu, 0, err
	default:
		return 0, PDU{}, 0, fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, ft)
	}
}

// BuildFrame encodes unitID and pdu according to ft. RTU ignores transactionID.
func BuildFrame(ft FrameType, unitID UnitID, pdu PDU, transactionID uint16) ([]byte, error) {
	if pdu.Len() > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU of %d bytes exceeds %d", ErrInvalidFrame, pdu.Len(), MaxPDUSize)
	}
	switch ft {
	case FrameTCP:
		return BuildTCPFrame(unitID, pdu, transactionID), nil
	case FrameRTU:
		return BuildRTUFrame(unitID, pdu), nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, ft)
	}
}

// TCPToRTU converts a TCP frame to an RTU frame. The transaction id is lost.
func TCPToRTU(frame []byte) ([]byte, error) {
	h, pdu, err := ParseTCPFrame(frame)
	if err != nil {
		return nil, err
	}
	return BuildRTUFrame(h.UnitID, pdu), nil
}

// RTUToTCP converts a verified RTU frame to a TCP frame carrying transactionID.
func RTUToTCP(frame []byte, transactionID uint16) ([]byte, error) {
	unit, pdu, err := ParseRTUFrame(frame, true)
	if err != nil {
		return nil, err
	}
	return BuildTCPFrame(unit, pdu, transactionID), nil
}

// ExpectedResponseLength estimates the size in bytes of the response frame
// to the request pdu when encoded as ft. The second result is false when the
// size cannot be known in advance; callers then fall back to timing.
// Exception responses are always shorter than the estimate.
func ExpectedResponseLength(pdu PDU, ft FrameType) (int, bool) {
	n, err := expectedResponsePDULength(pdu)
	if err != nil {
		return 0, false
	}
	switch ft {
	case FrameTCP:
		return MBAPHeaderSize + n, true
	case FrameRTU:
		return 1 + n + crcSize, true
	default:
		return 0, false
	}
}

func expectedResponsePDULength(pdu PDU) (int, error) {
	switch pdu.FunctionCode {
	case FuncReadCoils, FuncReadDiscreteInputs:
		qty, err := requestQuantity(pdu)
		if err != nil {
			return 0, err
		}
		return 2 + (qty+7)/8, nil
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		qty, err := requestQuantity(pdu)
		if err != nil {
			return 0, err
		}
		return 2 + qty*2, nil
	case FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 5, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFunctionCode, pdu.FunctionCode)
	}
}

// requestQuantity reads the quantity field of an address/quantity request.
func requestQuantity(pdu PDU) (int, error) {
	if len(pdu.Data) < 4 {
		return 0, fmt.Errorf("%w: %s request without quantity", ErrFrameTooShort, pdu.FunctionCode)
	}
	return int(binary.BigEndian.Uint16(pdu.Data[2:4])), nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes, fixing up the length field.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	header := f.Header.Encode()
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, header)
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// ReadFrame reads one complete Modbus TCP frame from a reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}
	if f.Header.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}

	pduLen := int(f.Header.Length) - 1
	if pduLen < 0 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}

	return &f, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
