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

// Package capture records bridged Modbus frames to pcap files that
// Wireshark can dissect.
package capture

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

// Ports used for the synthetic TCP conversation. Frames are wrapped in
// TCP regardless of their encoding; RTU frames go to PortRTU so they can
// be decoded as "Modbus RTU over TCP".
const (
	PortTCP    = 502
	PortRTU    = 503
	MasterPort = 50200
	snapLen    = 65535
)

var (
	masterIP  = []byte{192, 168, 100, 10}
	bridgeIP  = []byte{192, 168, 100, 20}
	masterMAC = []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	bridgeMAC = []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer writes frames as Ethernet/IPv4/TCP packets into a pcap stream.
// It implements modbus.FrameObserver and is safe for concurrent use.
type Writer struct {
	logger *slog.Logger

	mu        sync.Mutex
	pw        *pcapgo.Writer
	closer    io.Closer
	masterSeq uint32
	bridgeSeq uint32
	packets   int
}

// Create creates path and writes the pcap file header.
func Create(path string, logger *slog.Logger) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	w, err := NewWriter(file, logger)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

// NewWriter writes the pcap file header to out.
func NewWriter(out io.Writer, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{
		logger:    logger,
		pw:        pw,
		masterSeq: 1,
		bridgeSeq: 1,
	}, nil
}

// ObserveFrame records ev. Write failures are logged, never returned.
func (w *Writer) ObserveFrame(ev modbus.FrameEvent) {
	if err := w.WriteFrame(ev.Direction, ev.FrameType, ev.Data, ev.Timestamp); err != nil {
		w.logger.Warn("pcap write failed", slog.String("error", err.Error()))
	}
}

// WriteFrame writes one frame. Inbound frames travel from the master to
// the bridge, outbound frames the other way.
func (w *Writer) WriteFrame(dir modbus.Direction, ft modbus.FrameType, data []byte, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pw == nil {
		return fmt.Errorf("pcap writer closed")
	}

	servicePort := uint16(PortTCP)
	if ft == modbus.FrameRTU {
		servicePort = PortRTU
	}

	srcIP, dstIP := masterIP, bridgeIP
	srcMAC, dstMAC := masterMAC, bridgeMAC
	srcPort, dstPort := uint16(MasterPort), servicePort
	seq, ack := w.masterSeq, w.bridgeSeq
	if dir == modbus.DirectionOutbound {
		srcIP, dstIP = dstIP, srcIP
		srcMAC, dstMAC = dstMAC, srcMAC
		srcPort, dstPort = dstPort, srcPort
		seq, ack = w.bridgeSeq, w.masterSeq
	}

	ethernet := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		ACK:     true,
		PSH:     true,
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, ip, tcp, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}

	packet := buffer.Bytes()
	if err := w.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(packet),
		Length:        len(packet),
	}, packet); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}

	if dir == modbus.DirectionOutbound {
		w.bridgeSeq += uint32(len(data))
	} else {
		w.masterSeq += uint32(len(data))
	}
	w.packets++
	return nil
}

// Packets returns the number of packets written.
func (w *Writer) Packets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Close closes the underlying file when the writer was created by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pw = nil
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}
