package stream

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/fec"
	"github.com/lumenhost/lumen/internal/protocol"
	"github.com/lumenhost/lumen/internal/video"
)

// udpReceiver collects datagrams sent to a loopback socket.
type udpReceiver struct {
	sock *net.UDPConn
	addr *net.UDPAddr
}

func newUDPReceiver(t *testing.T) *udpReceiver {
	t.Helper()
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sock.Close() })
	return &udpReceiver{sock: sock, addr: sock.LocalAddr().(*net.UDPAddr)}
}

func (r *udpReceiver) collect(t *testing.T, n int) [][]byte {
	t.Helper()
	var out [][]byte
	buf := make([]byte, 4096)
	for len(out) < n {
		r.sock.SetReadDeadline(time.Now().Add(2 * time.Second))
		size, _, err := r.sock.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("received %d/%d datagrams: %v", len(out), n, err)
		}
		out = append(out, append([]byte(nil), buf[:size]...))
	}
	return out
}

func TestVideoSendShardsEncryptsAndRecovers(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	recv := newUDPReceiver(t)

	// A payload spanning several shards.
	payloadSize := s.Config.PacketSize - protocol.VideoShardHeaderSize
	au := bytes.Repeat([]byte{0xA5}, payloadSize*5+100)
	for i := range au {
		au[i] = byte(i)
	}
	pkt := &video.Packet{
		Data:        au,
		IDR:         true,
		FrameIndex:  7,
		ChannelData: s,
	}

	if err := b.sendVideoPacket(s, pkt, recv.addr); err != nil {
		t.Fatal(err)
	}

	dataShards := 6 // ceil(len(au)/payloadSize)
	parityShards := fec.ParityCount(dataShards, s.Config.FECPercentage, s.Config.MinRequiredFecPackets)
	wire := recv.collect(t, dataShards+parityShards)

	// Decrypt every shard; sequence numbers must strictly increase.
	shards := make([][]byte, 0, len(wire))
	lastSeq := -1
	for _, datagram := range wire {
		iv := datagram[:12]
		plain, err := s.Video.Cipher.Open(datagram[12:], iv)
		if err != nil {
			t.Fatal("shard decryption failed:", err)
		}

		var p rtp.Packet
		if err := p.Unmarshal(plain); err != nil {
			t.Fatal(err)
		}
		if p.PayloadType != protocol.PayloadTypeVideo {
			t.Fatalf("payload type: %d", p.PayloadType)
		}
		if int(p.SequenceNumber) <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", p.SequenceNumber, lastSeq)
		}
		lastSeq = int(p.SequenceNumber)
		shards = append(shards, p.Payload)
	}

	// Drop two data shards and reconstruct from parity.
	codec, err := fec.New(dataShards, parityShards)
	if err != nil {
		t.Fatal(err)
	}
	present := make([]bool, len(shards))
	for i := range present {
		present[i] = true
	}
	lost1, lost2 := 1, 3
	saved1 := shards[lost1]
	shards[lost1], shards[lost2] = nil, nil
	present[lost1], present[lost2] = false, false

	if err := codec.Reconstruct(shards, present); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(shards[lost1], saved1) {
		t.Fatal("reconstructed shard differs")
	}

	// Reassemble the access unit from the data shards.
	var rebuilt []byte
	for i := 0; i < dataShards; i++ {
		frameIndex := binary.LittleEndian.Uint32(shards[i][4:8])
		if frameIndex != 7 {
			t.Fatalf("frame index: %d", frameIndex)
		}
		rebuilt = append(rebuilt, shards[i][protocol.VideoShardHeaderSize:]...)
	}
	if !bytes.Equal(rebuilt[:len(au)], au) {
		t.Fatal("reassembled access unit differs")
	}

	// SOF and EOF flags bracket the frame.
	if shards[0][8]&protocol.VideoFlagSOF == 0 {
		t.Fatal("first shard missing SOF")
	}
	if shards[dataShards-1][8]&protocol.VideoFlagEOF == 0 {
		t.Fatal("last data shard missing EOF")
	}
}

func TestVideoSendAppliesReplacements(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	s.Video.Cipher = nil // plaintext for easy inspection
	recv := newUDPReceiver(t)

	pkt := &video.Packet{
		Data:       []byte("prefix OLDBYTES suffix"),
		FrameIndex: 1,
		Replacements: []bitstream.Replacement{
			{Old: []byte("OLDBYTES"), New: []byte("NEW")},
		},
	}

	if err := b.sendVideoPacket(s, pkt, recv.addr); err != nil {
		t.Fatal(err)
	}

	wire := recv.collect(t, 1)
	var p rtp.Packet
	if err := p.Unmarshal(wire[0]); err != nil {
		t.Fatal(err)
	}
	body := p.Payload[protocol.VideoShardHeaderSize:]
	if !bytes.Contains(body, []byte("prefix NEW suffix")) {
		t.Fatalf("replacement not applied: %q", body)
	}
}

func TestAudioSendEncryptsAndEmitsFEC(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	recv := newUDPReceiver(t)

	frames := make([][]byte, audioFECDataShards)
	for i := range frames {
		frames[i] = bytes.Repeat([]byte{byte(0x10 + i)}, 100)
		if err := b.sendAudioPacket(s, frames[i], recv.addr); err != nil {
			t.Fatal(err)
		}
	}

	// Four data packets plus two parity packets.
	wire := recv.collect(t, audioFECDataShards+audioFECParityShards)

	var dataPackets, fecPackets []rtp.Packet
	for _, datagram := range wire {
		var p rtp.Packet
		if err := p.Unmarshal(datagram); err != nil {
			t.Fatal(err)
		}
		switch p.PayloadType {
		case protocol.PayloadTypeAudio:
			dataPackets = append(dataPackets, p)
		case protocol.PayloadTypeAudioFEC:
			fecPackets = append(fecPackets, p)
		default:
			t.Fatalf("unexpected payload type %d", p.PayloadType)
		}
	}
	if len(dataPackets) != audioFECDataShards || len(fecPackets) != audioFECParityShards {
		t.Fatalf("got %d data, %d fec", len(dataPackets), len(fecPackets))
	}

	// Timestamps advance by packetDuration * 48 per packet.
	step := uint32(s.Config.Audio.PacketDuration * 48)
	for i := 1; i < len(dataPackets); i++ {
		if dataPackets[i].Timestamp-dataPackets[i-1].Timestamp != step {
			t.Fatalf("timestamp step: %d", dataPackets[i].Timestamp-dataPackets[i-1].Timestamp)
		}
	}

	// Each data payload decrypts back to the original Opus frame.
	for i, p := range dataPackets {
		iv := make([]byte, 16)
		binary.BigEndian.PutUint32(iv[:4], s.Audio.AVRiKeyID+uint32(p.SequenceNumber))
		plain, err := s.Audio.Cipher.Decrypt(p.Payload, iv)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(plain, frames[i]) {
			t.Fatalf("frame %d corrupted", i)
		}
	}

	// FEC packets carry the AUDIO_FEC_HEADER with the block's base
	// sequence number.
	fecHeader := fecPackets[0].Payload[:protocol.AudioFECHeaderSize]
	baseSeq := binary.BigEndian.Uint16(fecHeader[2:4])
	if baseSeq != dataPackets[0].SequenceNumber {
		t.Fatalf("base sequence: got %d, want %d", baseSeq, dataPackets[0].SequenceNumber)
	}
}

func TestVideoSequenceWraps(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	s.Video.Cipher = nil
	s.Video.lowseq = 0xFFFF
	s.Config.FECPercentage = 0
	s.Config.MinRequiredFecPackets = 0
	recv := newUDPReceiver(t)

	pkt := &video.Packet{Data: []byte{1, 2, 3}, FrameIndex: 1}
	if err := b.sendVideoPacket(s, pkt, recv.addr); err != nil {
		t.Fatal(err)
	}
	pkt2 := &video.Packet{Data: []byte{4, 5, 6}, FrameIndex: 2}
	if err := b.sendVideoPacket(s, pkt2, recv.addr); err != nil {
		t.Fatal(err)
	}

	wire := recv.collect(t, 2)
	var p1, p2 rtp.Packet
	p1.Unmarshal(wire[0])
	p2.Unmarshal(wire[1])
	if p1.SequenceNumber != 0xFFFF || p2.SequenceNumber != 0 {
		t.Fatalf("wrap: %d then %d", p1.SequenceNumber, p2.SequenceNumber)
	}
}
