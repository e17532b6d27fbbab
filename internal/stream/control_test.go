package stream

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/bitratectl"
	"github.com/lumenhost/lumen/internal/protocol"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

// clientFrame builds an encrypted control frame the way a client would:
// the inner header encrypted under the session's incoming IV seed.
func clientFrame(t *testing.T, s *Session, seq uint32, msgType uint16, payload []byte) []byte {
	t.Helper()

	inner := protocol.MarshalControlHeader(nil, protocol.ControlHeader{
		Type:          msgType,
		PayloadLength: uint16(len(payload)),
	})
	inner = append(inner, payload...)

	iv := protocol.ControlIV(s.Control.IncomingIV, seq)
	sealed, err := s.Control.Cipher.Seal(inner, iv)
	if err != nil {
		t.Fatal(err)
	}

	frame := protocol.MarshalControlHeader(nil, protocol.ControlHeader{
		Type:          protocol.TypeEncrypted,
		PayloadLength: uint16(len(sealed)),
	})
	return append(frame, sealed...)
}

func TestReceiveDecryptsAndReinjects(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	var mu sync.Mutex
	var got []byte
	cs.Map(protocol.TypeRequestIDR, func(sess *Session, payload []byte) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
	})

	cs.receive(s, clientFrame(t, s, 0, protocol.TypeRequestIDR, []byte{0, 0}))

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("handler not invoked for decrypted frame")
	}
}

func TestReceiveSequenceAdvances(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	count := 0
	cs.Map(protocol.TypePing, func(sess *Session, payload []byte) { count++ })

	// Consecutive frames must use consecutive sequence numbers.
	cs.receive(s, clientFrame(t, s, 0, protocol.TypePing, nil))
	cs.receive(s, clientFrame(t, s, 1, protocol.TypePing, nil))
	cs.receive(s, clientFrame(t, s, 2, protocol.TypePing, nil))

	if count != 3 {
		t.Fatalf("handled %d pings, want 3", count)
	}
}

func TestReceiveRejectsTamperedFrame(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	called := false
	cs.Map(protocol.TypePing, func(sess *Session, payload []byte) { called = true })

	frame := clientFrame(t, s, 0, protocol.TypePing, nil)
	frame[len(frame)-1] ^= 0x01
	cs.receive(s, frame)

	if called {
		t.Fatal("tampered frame must not reach the handler")
	}
	if s.Control.cryptoFailures != 1 {
		t.Fatalf("crypto failures: %d", s.Control.cryptoFailures)
	}
}

func TestRepeatedCryptoFailuresDropSession(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control
	s.bindControlPeer(nil)
	if err := s.Start(context.Background(), time.Minute, time.Minute); err != nil {
		t.Fatal(err)
	}

	bad := clientFrame(t, s, 0, protocol.TypePing, nil)
	bad[len(bad)-1] ^= 0x01
	for i := 0; i < cryptoFailureLimit; i++ {
		cs.receive(s, bad)
	}

	if state := s.State(); state != StateStopping && state != StateStopped {
		t.Fatalf("session state after crypto failures: %d", state)
	}
	s.Join()
}

func TestUnknownTypeIgnored(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	// No handler mapped; must not panic.
	b.Control.Call(0x7777, s, []byte{1, 2, 3}, false)
}

func TestGetSessionByConnectData(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	got := cs.GetSession(nil, s.Control.ConnectData)
	if got != s {
		t.Fatal("connect data lookup failed")
	}
	if _, bound := s.ControlPeer(); !bound {
		t.Fatal("lookup must bind the peer")
	}
}

func TestGetSessionUnclaimedFallback(t *testing.T) {
	t.Parallel()
	ls := testLaunchSession(t)
	ls.ControlConnectData = 0 // unclaimed
	s, err := Alloc(testStreamConfig(), ls)
	if err != nil {
		t.Fatal(err)
	}
	b := testBroadcast(t)
	b.Control.AddSession(s)

	got := b.Control.GetSession(nil, 0xBAD)
	if got != s {
		t.Fatal("unclaimed session must be returned")
	}
}

func TestGetSessionNoMatch(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)

	// Session has connect data set, so a mismatching lookup finds
	// nothing and must not bind.
	if got := b.Control.GetSession(nil, 0xBAD); got != nil {
		t.Fatalf("unexpected session: %v", got.LaunchSessionID)
	}
	if _, bound := s.ControlPeer(); bound {
		t.Fatal("mismatching lookup must not bind")
	}
}

func TestDefaultHandlersRaiseEvents(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control
	cs.RegisterDefaultHandlers(HandlerDeps{})

	cs.Call(protocol.TypeRequestIDR, s, nil, true)
	if _, ok := s.Video.IDREvents.Peek(); !ok {
		t.Fatal("IDR event not raised")
	}

	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:8], 100)
	binary.LittleEndian.PutUint64(payload[8:16], 105)
	cs.Call(protocol.TypeInvalidateRefFrames, s, payload, true)
	rng, ok := s.Video.InvalidateEvents.Peek()
	if !ok || rng != [2]int64{100, 105} {
		t.Fatalf("invalidate event: %v %v", rng, ok)
	}

	hdr := append([]byte{1}, make([]byte, 22)...)
	cs.Call(protocol.TypeHDRInfo, s, hdr, true)
	info, ok := s.Control.HDRQueue.Peek()
	if !ok || !info.Enabled {
		t.Fatal("HDR event not raised")
	}
}

func TestPingHandlerRefreshesDeadline(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control
	cs.RegisterDefaultHandlers(HandlerDeps{})
	s.bindControlPeer(nil)
	if err := s.Start(context.Background(), time.Minute, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	before := s.pingTimeout.Deadline()
	time.Sleep(10 * time.Millisecond)
	cs.Call(protocol.TypePing, s, nil, true)
	if !s.pingTimeout.Deadline().After(before) {
		t.Fatal("ping must refresh the deadline")
	}
	s.Stop()
	s.Join()
}

func TestLossStatsDrivesController(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	controller := bitratectl.New(bitratectl.DefaultSettings())
	deps := HandlerDeps{Controller: controller, BitrateStatsInterval: 20}
	cs.RegisterDefaultHandlers(deps)

	enc := &fakeEncoder{accept: true}
	s.SetEncoder(enc)

	// Baseline, then a severe loss report after the adjustment interval.
	cs.Call(protocol.TypeLossStats, s, protocol.MarshalLossStats(protocol.LossStats{
		TimeIntervalMs: 50, LastGoodFrame: 300,
	}), true)

	time.Sleep(10 * time.Millisecond)
	forceControllerClock(controller, 5*time.Second)

	cs.Call(protocol.TypeLossStats, s, protocol.MarshalLossStats(protocol.LossStats{
		TimeIntervalMs: 50, LastGoodFrame: 280,
	}), true)

	if enc.lastBitrate != 15000 {
		t.Fatalf("encoder reconfigured to %d, want 15000", enc.lastBitrate)
	}
	stats, ok := controller.GetStats(s)
	if !ok || stats.AdjustmentCount != 1 {
		t.Fatalf("controller stats: %+v ok=%v", stats, ok)
	}
}

func TestLegacyLossStatsValidated(t *testing.T) {
	t.Parallel()
	s, b := allocTestSession(t)
	cs := b.Control

	controller := bitratectl.New(bitratectl.DefaultSettings())
	cs.RegisterDefaultHandlers(HandlerDeps{Controller: controller, BitrateStatsInterval: 20})

	// Baseline via the modern path.
	cs.Call(protocol.TypeLossStats, s, protocol.MarshalLossStats(protocol.LossStats{
		TimeIntervalMs: 50, LastGoodFrame: 300,
	}), true)

	// Legacy report claiming loss while progression is clean.
	cs.Call(protocol.TypeLossStats, s, protocol.MarshalLossStats(protocol.LossStats{
		Count: 50, TimeIntervalMs: 50, LastGoodFrame: 303,
	}), true)

	stats, _ := controller.GetStats(s)
	if stats.LossPercentage != 0 {
		t.Fatalf("legacy loss must be clamped to the estimate: %v", stats.LossPercentage)
	}
}

// forceControllerClock shifts the controller's steady clock forward.
func forceControllerClock(c *bitratectl.Controller, offset time.Duration) {
	c.SetClock(func() time.Time { return time.Now().Add(offset) })
}

type fakeEncoder struct {
	accept      bool
	lastBitrate int
}

func (e *fakeEncoder) ReconfigureBitrate(kbps int) bool {
	e.lastBitrate = kbps
	return e.accept
}
