package stream

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/protocol"
)

// handleLossStats feeds the controller from a LOSS_STATS report, commits
// any due bitrate change through the encode session, and periodically
// publishes the controller snapshot to the client.
func (cs *ControlServer) handleLossStats(s *Session, payload []byte, deps HandlerDeps) {
	ls, err := protocol.ParseLossStats(payload)
	if err != nil {
		cs.log.WithError(err).Debug("malformed loss stats")
		return
	}
	if deps.Controller == nil || !s.AutoBitrateEnabled() {
		return
	}

	interval := time.Duration(ls.TimeIntervalMs) * time.Millisecond
	if ls.Count == 0 {
		// Modern path: loss inferred from frame progression.
		deps.Controller.ProcessLossStats(s, ls.LastGoodFrame, interval)
	} else {
		// Legacy path: a direct per-interval count, converted to a
		// percentage and validated downstream against the estimate.
		fps := s.Config.Monitor.FPS()
		expected := fps * interval.Seconds()
		pct := 0.0
		if expected > 0 {
			pct = float64(ls.Count) / expected * 100.0
		}
		deps.Controller.ProcessLossStatsDirect(s, pct, ls.LastGoodFrame, interval)
	}

	if deps.Controller.ShouldAdjustBitrate(s) {
		newKbps := deps.Controller.CalculateNewBitrate(s)
		success := false
		if enc := s.Encoder(); enc != nil {
			success = enc.ReconfigureBitrate(newKbps)
		}
		deps.Controller.ConfirmBitrateChange(s, newKbps, success)
		if success {
			cs.log.WithFields(logrus.Fields{
				"session": s.LaunchSessionID,
				"kbps":    newKbps,
			}).Info("bitrate adjusted")
		}
	}

	s.statsSendCounter++
	if s.statsSendCounter >= deps.BitrateStatsInterval {
		s.statsSendCounter = 0
		cs.sendBitrateStats(s, deps)
	}
}

// sendBitrateStats serializes the controller snapshot into a
// BITRATE_STATS frame, and notifies the client when the host's view of
// the connection status changed.
func (cs *ControlServer) sendBitrateStats(s *Session, deps HandlerDeps) {
	stats, ok := deps.Controller.GetStats(s)
	if !ok {
		return
	}

	payload := protocol.MarshalBitrateStats(protocol.BitrateStats{
		CurrentBitrateKbps:   stats.CurrentBitrateKbps,
		LastAdjustmentTimeMs: stats.LastAdjustmentTimeMs,
		AdjustmentCount:      stats.AdjustmentCount,
		LossPercentage:       stats.LossPercentage,
	})
	if err := cs.SendMessage(s, protocol.TypeBitrateStats, payload); err != nil {
		cs.log.WithError(err).Debug("bitrate stats send failed")
		return
	}

	status := int32(deps.Controller.ConnectionStatus(s))
	if atomic.SwapInt32(&s.lastSentConnStatus, status) != status {
		if err := cs.SendMessage(s, protocol.TypeConnectionStatus, []byte{byte(status)}); err != nil {
			cs.log.WithError(err).Debug("connection status send failed")
		}
	}
}

// FindSession returns the registered session for a device UUID.
func (cs *ControlServer) FindSession(uuid string) *Session {
	for _, s := range cs.Sessions() {
		if s.UUIDMatch(uuid) {
			return s
		}
	}
	return nil
}

// AllSessionUUIDs lists the device UUIDs of registered sessions.
func (cs *ControlServer) AllSessionUUIDs() []string {
	sessions := cs.Sessions()
	uuids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		uuids = append(uuids, s.UUID())
	}
	return uuids
}

// SessionCount returns the number of registered sessions.
func (cs *ControlServer) SessionCount() int {
	return len(cs.Sessions())
}

// TerminateSessions gracefully stops every registered session.
func (cs *ControlServer) TerminateSessions(gracePeriod time.Duration) {
	for _, s := range cs.Sessions() {
		cs.GracefulStop(s, gracePeriod)
	}
}
