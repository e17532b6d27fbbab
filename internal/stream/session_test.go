package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/protocol"
	"github.com/lumenhost/lumen/internal/rtsp"
	"github.com/lumenhost/lumen/internal/video"
)

func testLaunchSession(t *testing.T) *rtsp.LaunchSession {
	t.Helper()
	ls, err := rtsp.NewLaunchSession(42)
	if err != nil {
		t.Fatal(err)
	}
	ls.DeviceName = "test-device"
	ls.UniqueID = "uuid-42"
	ls.Permissions = protocol.PermAllInputs | protocol.PermView
	ls.AVPingPayload = "PING-42"
	ls.ControlConnectData = 0xC0FFEE
	ls.AutoBitrateEnabled = true
	return ls
}

func testStreamConfig() Config {
	return Config{
		Audio: AudioConfig{
			PacketDuration: 5,
			Channels:       2,
			Streams:        1,
			CoupledStreams: 1,
		},
		Monitor: video.Config{
			Width:     1920,
			Height:    1080,
			Framerate: 60,
			Bitrate:   20000,
		},
		PacketSize:             1024,
		FECPercentage:          20,
		MinRequiredFecPackets:  2,
		EncryptionFlagsEnabled: encControlV2 | encVideo | encAudio,
	}
}

// testBroadcast builds a broadcast context with live UDP sockets and an
// unbound control server, enough for session and sender tests.
func testBroadcast(t *testing.T) *Broadcast {
	t.Helper()
	videoSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	audioSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcast{
		videoSock:  videoSock,
		audioSock:  audioSock,
		Control:    NewControlServer(),
		VideoQueue: mail.NewQueue[*video.Packet](128),
		AudioQueue: mail.NewQueue[*AudioFrame](256),
		ctx:        ctx,
		cancel:     cancel,
		refs:       1,
		log:        testLogger(),
	}
	t.Cleanup(func() {
		cancel()
		videoSock.Close()
		audioSock.Close()
	})
	return b
}

func allocTestSession(t *testing.T) (*Session, *Broadcast) {
	t.Helper()
	s, err := Alloc(testStreamConfig(), testLaunchSession(t))
	if err != nil {
		t.Fatal(err)
	}
	b := testBroadcast(t)
	s.broadcastRef = &BroadcastHandle{b: b}
	b.Control.AddSession(s)
	return s, b
}

func TestAllocInstallsKeys(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)

	if s.Control.Cipher == nil {
		t.Fatal("control cipher missing")
	}
	if s.Video.Cipher == nil {
		t.Fatal("video cipher missing with EncVideo negotiated")
	}
	if s.Audio.Cipher == nil {
		t.Fatal("audio cipher missing")
	}
	if s.Audio.AVRiKeyID == 0 {
		t.Fatal("avRiKeyId not derived from launch IV")
	}
	if s.State() != StateStopped {
		t.Fatalf("fresh session state: %d", s.State())
	}
	if s.Control.IncomingIV[10] == s.Control.OutgoingIV[10] {
		t.Fatal("direction seeds must differ")
	}
}

func TestStartRequiresPreconditions(t *testing.T) {
	t.Parallel()
	s, err := Alloc(testStreamConfig(), testLaunchSession(t))
	if err != nil {
		t.Fatal(err)
	}

	// No broadcast reference yet.
	if err := s.Start(context.Background(), time.Second, time.Second); err != ErrNotReady {
		t.Fatalf("got %v, want ErrNotReady", err)
	}

	b := testBroadcast(t)
	s.broadcastRef = &BroadcastHandle{b: b}

	// No control peer bound.
	if err := s.Start(context.Background(), time.Second, time.Second); err != ErrNotReady {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.bindControlPeer(nil)

	if err := s.Start(context.Background(), 5*time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStarting {
		t.Fatalf("state after Start: %d", s.State())
	}

	// Learning both peers plus the first ping completes the handshake.
	s.SetVideoPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000})
	s.SetAudioPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001})
	s.RefreshPing()
	if s.State() != StateRunning {
		t.Fatalf("state after handshake: %d", s.State())
	}

	s.Stop()
	if s.State() != StateStopping {
		t.Fatalf("state after Stop: %d", s.State())
	}

	s.Join()
	if s.State() != StateStopped {
		t.Fatalf("state after Join: %d", s.State())
	}

	// The session's primitives are stopped and its mail slots released.
	if s.Video.IDREvents.Running() {
		t.Fatal("IDR events still running after stop")
	}
	if s.ShutdownEvent.Running() {
		t.Fatal("shutdown event still running after stop")
	}
	if s.Mail.Len() != 0 {
		t.Fatalf("mail registry still holds %d slots after Join", s.Mail.Len())
	}
}

func TestHandshakeWindowTimeout(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.bindControlPeer(nil)

	if err := s.Start(context.Background(), 50*time.Millisecond, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for s.State() != StateStopping && s.State() != StateStopped {
		select {
		case <-deadline:
			t.Fatal("session did not time out of STARTING")
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Join()
}

func TestPingTimeoutStopsRunningSession(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.bindControlPeer(nil)

	if err := s.Start(context.Background(), 5*time.Second, 80*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	s.SetVideoPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000})
	s.SetAudioPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001})
	s.RefreshPing()
	if s.State() != StateRunning {
		t.Fatal("session should be running")
	}

	// No further pings: the watchdog must stop the session.
	deadline := time.After(5 * time.Second)
	for s.State() != StateStopping && s.State() != StateStopped {
		select {
		case <-deadline:
			t.Fatal("ping timeout did not fire")
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Join()
}

func TestInputOnlySessionRunsWithoutMediaPeers(t *testing.T) {
	t.Parallel()
	cfg := testStreamConfig()
	cfg.Monitor.InputOnly = true
	s, err := Alloc(cfg, testLaunchSession(t))
	if err != nil {
		t.Fatal(err)
	}
	b := testBroadcast(t)
	s.broadcastRef = &BroadcastHandle{b: b}
	s.bindControlPeer(nil)

	if err := s.Start(context.Background(), 5*time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	s.RefreshPing()
	if s.State() != StateRunning {
		t.Fatal("input-only session must run without media peers")
	}
	s.Stop()
	s.Join()
}

func TestDoCommandFailureAbortsStart(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.bindControlPeer(nil)
	s.DoCmds = []CommandEntry{{Cmd: "exit 1"}}
	s.SetCommandRunner(func(entry CommandEntry) error {
		return context.DeadlineExceeded
	})

	if err := s.Start(context.Background(), time.Second, time.Second); err == nil {
		t.Fatal("failing do-command must abort start")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after aborted start: %d", s.State())
	}
}

func TestUndoCommandsRunOnJoin(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.bindControlPeer(nil)

	var ran []string
	s.SetCommandRunner(func(entry CommandEntry) error {
		ran = append(ran, entry.Cmd)
		return nil
	})
	s.DoCmds = []CommandEntry{{Cmd: "do"}}
	s.UndoCmds = []CommandEntry{{Cmd: "undo"}}

	if err := s.Start(context.Background(), time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Join()

	if len(ran) != 2 || ran[0] != "do" || ran[1] != "undo" {
		t.Fatalf("commands ran: %v", ran)
	}
}

func TestMailSlotsSharedByName(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)

	// A second acquisition of a session slot returns the wired instance.
	h := mail.EventFor[bool](s.Mail, mail.SlotIDR)
	defer h.Release()
	if h.Value != s.Video.IDREvents {
		t.Fatal("slot lookup must return the session's IDR event")
	}
}

func TestAudioOpusConfig(t *testing.T) {
	t.Parallel()
	cfg := AudioConfig{
		PacketDuration: 5,
		Channels:       6,
		Streams:        4,
		CoupledStreams: 2,
		Mapping:        [8]uint8{0, 4, 1, 5, 2, 3},
		HighQuality:    true,
	}

	opus := cfg.OpusConfig()
	if opus.SampleRate != 48000 || opus.ChannelCount != 6 {
		t.Fatalf("opus config: %+v", opus)
	}
	if opus.Streams != 4 || opus.CoupledStreams != 2 {
		t.Fatalf("stream arrangement: %+v", opus)
	}
	if len(opus.Mapping) != 6 || opus.Mapping[1] != 4 {
		t.Fatalf("mapping: %v", opus.Mapping)
	}
	if opus.Bitrate != 512000 {
		t.Fatalf("high quality bitrate: %d", opus.Bitrate)
	}

	// Degenerate configs fall back to stereo single-stream.
	opus = AudioConfig{}.OpusConfig()
	if opus.ChannelCount != 2 || opus.Streams != 1 {
		t.Fatalf("fallback: %+v", opus)
	}
}

func TestUpdateDeviceInfo(t *testing.T) {
	t.Parallel()
	s, _ := allocTestSession(t)
	s.UpdateDeviceInfo("renamed", protocol.PermView)
	if s.DeviceName() != "renamed" || s.Permissions() != protocol.PermView {
		t.Fatal("device info not updated")
	}
	if !s.UUIDMatch("uuid-42") {
		t.Fatal("UUID must survive device updates")
	}
}
