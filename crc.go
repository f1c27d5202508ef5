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

import "encoding/binary"

const (
	crcPolynomial = 0xA001
	crcInitial    = 0xFFFF
	crcSize       = 2
)

// ComputeCRC16 computes the Modbus CRC-16 of data
// (reflected polynomial 0xA001, initial value 0xFFFF).
func ComputeCRC16(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// VerifyCRC reports whether frame ends with the little-endian CRC of the
// bytes before it. Frames shorter than MinRTUFrameSize never verify.
func VerifyCRC(frame []byte) bool {
	if len(frame) < MinRTUFrameSize {
		return false
	}
	n := len(frame) - crcSize
	return binary.LittleEndian.Uint16(frame[n:]) == ComputeCRC16(frame[:n])
}

// AppendCRC appends the CRC of b to b, low byte first.
func AppendCRC(b []byte) []byte {
	crc := ComputeCRC16(b)
	return append(b, byte(crc), byte(crc>>8))
}
