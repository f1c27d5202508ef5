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
	"errors"
	"testing"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}

	var header MBAPHeader
	if err := header.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", header.TransactionID)
	}
	if header.Length != 0x0006 {
		t.Errorf("Length: expected 0x0006, got 0x%04X", header.Length)
	}
	if header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", header.UnitID)
	}
	if header.FrameSize() != 12 {
		t.Errorf("FrameSize: expected 12, got %d", header.FrameSize())
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	var header MBAPHeader
	if err := header.Decode([]byte{0x00, 0x01, 0x00}); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("Expected ErrFrameTooShort, got %v", err)
	}
}

func TestFrame_Encode(t *testing.T) {
	frame := Frame{
		Header: MBAPHeader{TransactionID: 0x0001, UnitID: 0x01},
		PDU:    []byte{0x03, 0x00, 0x00, 0x00, 0x0A},
	}

	result := frame.Encode()

	// Length = PDU length + 1 (unit id)
	actualLength := int(result[4])<<8 | int(result[5])
	if actualLength != len(frame.PDU)+1 {
		t.Errorf("Length: expected %d, got %d", len(frame.PDU)+1, actualLength)
	}
	if !bytes.Equal(result[7:], frame.PDU) {
		t.Errorf("PDU mismatch: expected %x, got %x", frame.PDU, result[7:])
	}
}

func TestReadFrame(t *testing.T) {
	data := []byte{
		0x00, 0x07, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A,
		0x00, 0x08, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03,
	}
	r := bytes.NewReader(data)

	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Header.TransactionID != 7 || !bytes.Equal(f.PDU, []byte{0x03, 0x00, 0x00, 0x00, 0x0A}) {
		t.Errorf("unexpected frame %+v", f)
	}

	if _, err := ReadFrame(r); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame for protocol id 1, got %v", err)
	}
}

func TestComputeCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"read 10 holding registers", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xCDC5},
		{"read 1 holding register", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 0x0A84},
		{"empty", nil, 0xFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeCRC16(tt.data); got != tt.want {
				t.Errorf("ComputeCRC16 = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

func TestAppendCRCLittleEndian(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if !bytes.Equal(frame, want) {
		t.Errorf("AppendCRC = % X, want % X", frame, want)
	}
	if !VerifyCRC(frame) {
		t.Error("VerifyCRC rejected a valid frame")
	}
}

func TestVerifyCRCDetectsBitFlips(t *testing.T) {
	frame := AppendCRC([]byte{0x11, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02})
	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			corrupt := bytes.Clone(frame)
			corrupt[i] ^= 1 << bit
			if VerifyCRC(corrupt) {
				t.Fatalf("flip of byte %d bit %d not detected", i, bit)
			}
		}
	}
	if VerifyCRC([]byte{0x01, 0x03, 0x00}) {
		t.Error("VerifyCRC accepted a frame shorter than 4 bytes")
	}
}

func TestRTURoundTripAllUnits(t *testing.T) {
	pdu := NewPDU(FuncReadInputRegisters, []byte{0x00, 0x10, 0x00, 0x04})
	for unit := 0; unit <= 255; unit++ {
		frame, err := BuildFrame(FrameRTU, UnitID(unit), pdu, 0)
		if err != nil {
			t.Fatalf("unit %d: BuildFrame failed: %v", unit, err)
		}
		gotUnit, gotPDU, txID, err := ParseFrame(FrameRTU, frame)
		if err != nil {
			t.Fatalf("unit %d: ParseFrame failed: %v", unit, err)
		}
		if gotUnit != UnitID(unit) || !gotPDU.Equal(pdu) || txID != 0 {
			t.Fatalf("unit %d: got unit %d pdu %+v tx %d", unit, gotUnit, gotPDU, txID)
		}
	}
}

func TestTCPRoundTrip(t *testing.T) {
	pdu := NewPDU(FuncWriteMultipleRegisters, []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02})
	frame, err := BuildFrame(FrameTCP, 0x11, pdu, 0xBEEF)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	if len(frame) != MBAPHeaderSize+pdu.Len() {
		t.Errorf("frame length %d, want %d", len(frame), MBAPHeaderSize+pdu.Len())
	}
	unit, got, txID, err := ParseFrame(FrameTCP, frame)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if unit != 0x11 || txID != 0xBEEF || !got.Equal(pdu) {
		t.Errorf("got unit 0x%02X tx 0x%04X pdu %+v", unit, txID, got)
	}
}

func TestParseTCPFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"too short", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x01}, ErrFrameTooShort},
		{"bad protocol id", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}, ErrInvalidFrame},
		{"zero length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x03}, ErrInvalidFrame},
		{"length without function code", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x03}, ErrFrameTooShort},
		{"truncated", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}, ErrFrameTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseTCPFrame(tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("ParseTCPFrame error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseRTUFrameErrors(t *testing.T) {
	if _, _, err := ParseRTUFrame([]byte{0x01, 0x03, 0x00}, true); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("expected ErrFrameTooShort, got %v", err)
	}

	frame := BuildRTUFrame(0x01, NewPDU(FuncReadCoils, []byte{0x00, 0x00, 0x00, 0x08}))
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := ParseRTUFrame(frame, true); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
	if _, _, err := ParseRTUFrame(frame, false); err != nil {
		t.Errorf("unverified parse should succeed, got %v", err)
	}
}

func TestBuildFrameRejectsOversizedPDU(t *testing.T) {
	pdu := NewPDU(FuncWriteMultipleRegisters, make([]byte, MaxPDUSize))
	if _, err := BuildFrame(FrameTCP, 1, pdu, 1); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
	if _, err := BuildFrame(FrameType(9), 1, NewPDU(FuncReadCoils, nil), 1); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame for unknown frame type, got %v", err)
	}
}

func TestTCPToRTU(t *testing.T) {
	tcp := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x00, 0x32, 0x00, 0x01}
	rtu, err := TCPToRTU(tcp)
	if err != nil {
		t.Fatalf("TCPToRTU failed: %v", err)
	}

	body := []byte{0x01, 0x06, 0x00, 0x32, 0x00, 0x01}
	crc := ComputeCRC16(body)
	want := append(bytes.Clone(body), byte(crc), byte(crc>>8))
	if !bytes.Equal(rtu, want) {
		t.Errorf("TCPToRTU = % X, want % X", rtu, want)
	}

	back, err := RTUToTCP(rtu, 0x0001)
	if err != nil {
		t.Fatalf("RTUToTCP failed: %v", err)
	}
	if !bytes.Equal(back, tcp) {
		t.Errorf("RTUToTCP = % X, want % X", back, tcp)
	}
}

func TestRTUToTCPRejectsBadCRC(t *testing.T) {
	rtu := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00}
	if _, err := RTUToTCP(rtu, 1); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestExceptionPDU(t *testing.T) {
	pdu := BuildExceptionPDU(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	if pdu.FunctionCode != 0x83 {
		t.Errorf("function code 0x%02X, want 0x83", uint8(pdu.FunctionCode))
	}
	if !pdu.IsException() || pdu.ExceptionCode() != ExceptionIllegalDataAddress {
		t.Errorf("unexpected exception PDU %+v", pdu)
	}
	if !IsException(pdu.Err(), ExceptionIllegalDataAddress) {
		t.Errorf("Err() = %v, want illegal data address", pdu.Err())
	}
	if NewPDU(FuncReadCoils, nil).Err() != nil {
		t.Error("normal PDU should have no error")
	}
}

func TestExpectedResponseLength(t *testing.T) {
	tests := []struct {
		name string
		pdu  PDU
		tcp  int
		rtu  int
		ok   bool
	}{
		{"read 10 coils", NewPDU(FuncReadCoils, []byte{0x00, 0x00, 0x00, 0x0A}), 7 + 4, 1 + 4 + 2, true},
		{"read 8 inputs", NewPDU(FuncReadDiscreteInputs, []byte{0x00, 0x00, 0x00, 0x08}), 7 + 3, 1 + 3 + 2, true},
		{"read 3 registers", NewPDU(FuncReadHoldingRegisters, []byte{0x00, 0x6B, 0x00, 0x03}), 7 + 8, 1 + 8 + 2, true},
		{"read 1 input register", NewPDU(FuncReadInputRegisters, []byte{0x00, 0x00, 0x00, 0x01}), 7 + 4, 1 + 4 + 2, true},
		{"write single register", NewPDU(FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x03}), 7 + 5, 1 + 5 + 2, true},
		{"write multiple coils", NewPDU(FuncWriteMultipleCoils, []byte{0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}), 7 + 5, 1 + 5 + 2, true},
		{"unsupported", NewPDU(FuncReportServerID, nil), 0, 0, false},
		{"missing quantity", NewPDU(FuncReadHoldingRegisters, []byte{0x00}), 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ExpectedResponseLength(tt.pdu, FrameTCP)
			if ok != tt.ok || n != tt.tcp {
				t.Errorf("TCP: got (%d, %v), want (%d, %v)", n, ok, tt.tcp, tt.ok)
			}
			n, ok = ExpectedResponseLength(tt.pdu, FrameRTU)
			if ok != tt.ok || n != tt.rtu {
				t.Errorf("RTU: got (%d, %v), want (%d, %v)", n, ok, tt.rtu, tt.ok)
			}
		})
	}
}

func TestFunctionCodeString(t *testing.T) {
	tests := []struct {
		fc     FunctionCode
		expect string
	}{
		{FuncReadCoils, "ReadCoils"},
		{FuncReadHoldingRegisters, "ReadHoldingRegisters"},
		{FuncWriteMultipleRegisters, "WriteMultipleRegisters"},
		{FuncReadHoldingRegisters | 0x80, "ReadHoldingRegistersException"},
		{FunctionCode(0x64), "Function(0x64)"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if tt.fc.String() != tt.expect {
				t.Errorf("FunctionCode %d: expected %s, got %s", tt.fc, tt.expect, tt.fc.String())
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Upstream:   EndpointConfig{FrameType: FrameTCP, Address: ":502"},
		Downstream: EndpointConfig{FrameType: FrameRTU, Device: "/dev/ttyUSB0"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tcp without address", func(c *Config) { c.Upstream.Address = "" }},
		{"rtu without device", func(c *Config) { c.Downstream.Device = "" }},
		{"bad parity", func(c *Config) { c.Downstream.Parity = "X" }},
		{"unknown frame type", func(c *Config) { c.Upstream.FrameType = FrameType(7) }},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestParseFrameType(t *testing.T) {
	for in, want := range map[string]FrameType{"tcp": FrameTCP, " RTU ": FrameRTU, "serial": FrameRTU} {
		got, err := ParseFrameType(in)
		if err != nil || got != want {
			t.Errorf("ParseFrameType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFrameType("udp"); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
