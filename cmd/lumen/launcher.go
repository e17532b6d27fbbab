package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/bitratectl"
	"github.com/lumenhost/lumen/internal/capture"
	"github.com/lumenhost/lumen/internal/config"
	"github.com/lumenhost/lumen/internal/encoder"
	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/protocol"
	"github.com/lumenhost/lumen/internal/rtsp"
	"github.com/lumenhost/lumen/internal/stream"
	"github.com/lumenhost/lumen/internal/video"
)

// launchPollInterval paces the scan for raised launch sessions.
const launchPollInterval = 250 * time.Millisecond

// sessionLauncher turns raised launch sessions into running streaming
// sessions: allocation, encoder setup, capture pipeline, audio sender.
type sessionLauncher struct {
	cfg        config.Config
	broadcast  *stream.Broadcast
	controller *bitratectl.Controller
	probe      *encoder.ProbeResult
}

func (l *sessionLauncher) run(ctx context.Context) {
	ticker := time.NewTicker(launchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.claimPending(ctx)
			l.reapStopped()
		}
	}
}

// claimPending starts a session for every raised launch session,
// re-probing encoders first when no session is active (availability can
// change at runtime with driver updates or display changes).
func (l *sessionLauncher) claimPending(ctx context.Context) {
	for {
		ls, ok := rtsp.ClaimAny()
		if !ok {
			return
		}
		if l.broadcast.Control.SessionCount() == 0 {
			l.reprobe(ctx)
		}
		if err := l.startSession(ctx, ls); err != nil {
			logrus.WithError(err).WithField("session", ls.ID).Error("session start failed")
		}
	}
}

func (l *sessionLauncher) reprobe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := encoder.Probe(probeCtx, encoder.List(), encoder.ProbeOptions{
		Deadline:      5 * time.Second,
		IgnoreFailure: l.cfg.IgnoreEncoderProbeFailure,
	})
	if err != nil {
		logrus.WithError(err).Warn("encoder re-probe failed, keeping previous selection")
		return
	}
	l.probe = result
}

func (l *sessionLauncher) startSession(ctx context.Context, ls *rtsp.LaunchSession) error {
	streamCfg := stream.Config{
		Audio: stream.AudioConfig{
			PacketDuration: 5,
			Channels:       2,
			Streams:        1,
			CoupledStreams: 1,
			HostAudio:      ls.HostAudio,
		},
		Monitor: video.Config{
			Width:             ls.Width,
			Height:            ls.Height,
			Framerate:         ls.FPS,
			Bitrate:           20000,
			SlicesPerFrame:    1,
			NumRefFrames:      l.numRefFrames(),
			EncodingFramerate: ls.FPS,
			InputOnly:         ls.InputOnly,
		},
		PacketSize:             1024,
		MinRequiredFecPackets:  2,
		FECPercentage:          l.cfg.FECPercentage,
		EncryptionFlagsEnabled: protocol.EncControlV2 | l.mediaEncryptionFlags(),
	}
	if ls.EnableHDR {
		streamCfg.Monitor.DynamicRange = 1
	}

	s, err := stream.Alloc(streamCfg, ls)
	if err != nil {
		return err
	}
	s.SetCommandRunner(runCommand)
	l.attachBroadcast(s)
	l.broadcast.Control.AddSession(s)

	if err := s.Start(ctx,
		time.Duration(l.cfg.HandshakeTimeoutMs)*time.Millisecond,
		time.Duration(l.cfg.PingTimeoutMs)*time.Millisecond); err != nil {
		l.broadcast.Control.RemoveSession(s)
		return err
	}

	if !ls.InputOnly && l.probe.Selected != nil {
		if err := l.startVideo(ctx, s, streamCfg.Monitor); err != nil {
			s.Stop()
			s.Join()
			l.broadcast.Control.RemoveSession(s)
			return err
		}
		go l.runAudio(ctx, s)
	}
	return nil
}

// opusSilence is a canned Opus silence frame, streamed when no platform
// audio capture backend is linked in.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// runAudio paces audio frames from the capture collaborator into the
// broadcast queue. The Opus arrangement drives one frame per stream in
// each packet; audio failures never take the session down.
func (l *sessionLauncher) runAudio(ctx context.Context, s *stream.Session) {
	duration := time.Duration(s.Config.Audio.PacketDuration) * time.Millisecond
	if duration <= 0 {
		duration = 5 * time.Millisecond
	}
	opus := s.Config.Audio.OpusConfig()

	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state := s.State(); state == stream.StateStopping || state == stream.StateStopped {
				return
			}
			frame := make([]byte, 0, len(opusSilence)*opus.Streams)
			for i := 0; i < opus.Streams; i++ {
				frame = append(frame, opusSilence...)
			}
			l.broadcast.AudioQueue.Push(&stream.AudioFrame{
				Session: s,
				Data:    frame,
			})
		}
	}
}

// startVideo opens the encode session and runs the capture pipeline on
// its own goroutine, feeding the broadcast video queue.
func (l *sessionLauncher) startVideo(ctx context.Context, s *stream.Session, cfg video.Config) error {
	cs := video.ColorspaceFromConfig(cfg, cfg.DynamicRange > 0)
	encSession, err := encoder.NewSession(l.probe.Selected, cfg, cs, s)
	if err != nil {
		return err
	}
	s.SetEncoder(encSession)
	l.controller.Reset(s)

	source := &capture.TestPatternSource{Width: cfg.Width, Height: cfg.Height}
	pipeOut := mail.NewQueue[*video.Packet](16)
	pipeline := capture.New(capture.Config{
		Source:           source,
		Session:          encSession,
		Video:            cfg,
		Colorspace:       cs,
		Output:           pipeOut,
		IDREvents:        s.Video.IDREvents,
		InvalidateEvents: s.Video.InvalidateEvents,
	})

	go func() {
		defer encSession.Close()
		defer source.Close()
		defer pipeOut.Stop()
		if err := pipeline.Run(ctx); err != nil {
			logrus.WithError(err).Error("video pipeline failed")
			s.Stop()
		}
	}()

	// Forward finished packets to the broadcast sender while the session
	// lives.
	go func() {
		for {
			pkt, ok := pipeOut.Pop(ctx)
			if !ok {
				return
			}
			if state := s.State(); state == stream.StateStopping || state == stream.StateStopped {
				return
			}
			l.broadcast.VideoQueue.Push(pkt)
		}
	}()

	return nil
}

func (l *sessionLauncher) attachBroadcast(s *stream.Session) {
	// The session holds its own reference; released on Join.
	s.AttachBroadcast(l.broadcast.Ref())
}

// reapStopped joins and deregisters finished sessions.
func (l *sessionLauncher) reapStopped() {
	for _, s := range l.broadcast.Control.Sessions() {
		if s.State() == stream.StateStopping {
			s.Join()
			l.controller.Reset(s)
			l.broadcast.Control.RemoveSession(s)
		}
	}
}

func (l *sessionLauncher) numRefFrames() int {
	if l.probe != nil && l.probe.RefFramesInvalidation {
		return 4
	}
	return 1
}

func (l *sessionLauncher) mediaEncryptionFlags() uint32 {
	if l.cfg.LANEncryptionMode == config.EncryptionModeNever {
		return 0
	}
	return protocol.EncVideo | protocol.EncAudio
}

// runCommand executes one session do/undo command through the external
// process launcher; this build only logs them.
func runCommand(entry stream.CommandEntry) error {
	logrus.WithFields(logrus.Fields{
		"cmd":      entry.Cmd,
		"elevated": entry.Elevated,
	}).Info("session command")
	return nil
}
