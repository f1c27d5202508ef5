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

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

var (
	frameFrom string
	frameTxID uint16
	crcVerify bool
)

var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Frame conversion utilities",
	Long:  `Decode, convert and checksum Modbus frames given as hex strings.`,
}

var frameConvertCmd = &cobra.Command{
	Use:   "convert <hex>",
	Short: "Convert a frame between TCP and RTU encodings",
	Long: `Convert a frame between TCP and RTU encodings.

A TCP frame loses its MBAP header and gains a CRC. An RTU frame must carry
a valid CRC; it gains an MBAP header with the given transaction id.`,
	Example: `  modbus-bridge frame convert "00 01 00 00 00 06 01 06 00 32 00 01"
  modbus-bridge frame convert --from rtu --txid 7 01030000000AC5CD`,
	Args: cobra.ExactArgs(1),
	RunE: runFrameConvert,
}

var frameCRCCmd = &cobra.Command{
	Use:   "crc <hex>",
	Short: "Compute or verify a Modbus RTU CRC",
	Example: `  modbus-bridge frame crc "01 03 00 00 00 0A"
  modbus-bridge frame crc --verify 01030000000AC5CD`,
	Args: cobra.ExactArgs(1),
	RunE: runFrameCRC,
}

func init() {
	frameConvertCmd.Flags().StringVar(&frameFrom, "from", "tcp", "Encoding of the input frame: tcp, rtu")
	frameConvertCmd.Flags().Uint16Var(&frameTxID, "txid", 0, "Transaction id of the produced TCP frame")
	frameCRCCmd.Flags().BoolVar(&crcVerify, "verify", false, "Verify the trailing CRC instead of computing one")

	frameCmd.AddCommand(frameConvertCmd)
	frameCmd.AddCommand(frameCRCCmd)
}

type FrameResult struct {
	Input         string `json:"input"`
	Output        string `json:"output"`
	Encoding      string `json:"encoding"`
	UnitID        uint8  `json:"unit_id"`
	Function      string `json:"function"`
	Exception     string `json:"exception,omitempty"`
	TransactionID uint16 `json:"transaction_id,omitempty"`
}

type CRCResult struct {
	Data  string `json:"data"`
	CRC   string `json:"crc"`
	Frame string `json:"frame,omitempty"`
	Valid *bool  `json:"valid,omitempty"`
}

func parseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return b, nil
}

func runFrameConvert(cmd *cobra.Command, args []string) error {
	in, err := parseHex(args[0])
	if err != nil {
		return err
	}
	from, err := modbus.ParseFrameType(frameFrom)
	if err != nil {
		return err
	}

	unit, pdu, txID, err := modbus.ParseFrame(from, in)
	if err != nil {
		return err
	}

	to := modbus.FrameRTU
	if from == modbus.FrameRTU {
		to = modbus.FrameTCP
		txID = frameTxID
	}
	out, err := modbus.BuildFrame(to, unit, pdu, txID)
	if err != nil {
		return err
	}

	res := FrameResult{
		Input:    formatHex(in),
		Output:   formatHex(out),
		Encoding: to.String(),
		UnitID:   uint8(unit),
		Function: pdu.FunctionCode.String(),
	}
	if to == modbus.FrameTCP {
		res.TransactionID = txID
	}
	if pdu.IsException() {
		res.Exception = pdu.ExceptionCode().String()
	}

	if jsonOutput() {
		return outputJSON(res)
	}
	outputInfo("unit %d, %s", res.UnitID, res.Function)
	if res.Exception != "" {
		outputInfo("exception: %s", res.Exception)
	}
	fmt.Printf("%s: %s\n", strings.ToUpper(res.Encoding), res.Output)
	return nil
}

func runFrameCRC(cmd *cobra.Command, args []string) error {
	in, err := parseHex(args[0])
	if err != nil {
		return err
	}

	if crcVerify {
		if len(in) < modbus.MinRTUFrameSize {
			return fmt.Errorf("frame too short: %d bytes", len(in))
		}
		body := in[:len(in)-2]
		crc := modbus.ComputeCRC16(body)
		valid := modbus.VerifyCRC(in)
		res := CRCResult{Data: formatHex(body), CRC: fmt.Sprintf("0x%04X", crc), Valid: &valid}
		if jsonOutput() {
			return outputJSON(res)
		}
		if !valid {
			outputError("CRC mismatch: frame carries %s, expected %s", formatHex(in[len(in)-2:]), res.CRC)
			return modbus.ErrCRCMismatch
		}
		outputSuccess("CRC %s valid", res.CRC)
		return nil
	}

	crc := modbus.ComputeCRC16(in)
	res := CRCResult{
		Data:  formatHex(in),
		CRC:   fmt.Sprintf("0x%04X", crc),
		Frame: formatHex(modbus.AppendCRC(append([]byte(nil), in...))),
	}
	if jsonOutput() {
		return outputJSON(res)
	}
	fmt.Printf("CRC:   %s\n", res.CRC)
	fmt.Printf("Frame: %s\n", res.Frame)
	return nil
}
