// Package bitratectl implements the closed-loop bitrate controller. It
// estimates frame loss from the client's lastGoodFrame progression,
// decides bitrate changes within the configured bounds, and records what
// the encoder actually applied.
package bitratectl

import (
	"sync"
	"time"
)

// Connection status values.
const (
	StatusOkay = 0
	StatusPoor = 1
)

// Settings are the controller tunables with their config-file defaults.
type Settings struct {
	MinKbps       int `json:"auto_bitrate_min_kbps"`
	MaxKbps       int `json:"auto_bitrate_max_kbps"`
	MaxBitrateCap int `json:"max_bitrate"`

	AdjustmentIntervalMs int `json:"auto_bitrate_adjustment_interval_ms"`
	MinAdjustmentPct     int `json:"auto_bitrate_min_adjustment_pct"`

	LossSeverePct   int `json:"auto_bitrate_loss_severe_pct"`
	LossModeratePct int `json:"auto_bitrate_loss_moderate_pct"`
	LossMildPct     int `json:"auto_bitrate_loss_mild_pct"`

	DecreaseSeverePct   int `json:"auto_bitrate_decrease_severe_pct"`
	DecreaseModeratePct int `json:"auto_bitrate_decrease_moderate_pct"`
	DecreaseMildPct     int `json:"auto_bitrate_decrease_mild_pct"`

	IncreaseGoodPct       int `json:"auto_bitrate_increase_good_pct"`
	GoodStabilityMs       int `json:"auto_bitrate_good_stability_ms"`
	IncreaseMinIntervalMs int `json:"auto_bitrate_increase_min_interval_ms"`
	PoorStatusCapPct      int `json:"auto_bitrate_poor_status_cap_pct"`
}

// DefaultSettings returns the shipped defaults.
func DefaultSettings() Settings {
	return Settings{
		MinKbps:               1,
		MaxKbps:               0,
		MaxBitrateCap:         0,
		AdjustmentIntervalMs:  3000,
		MinAdjustmentPct:      5,
		LossSeverePct:         10,
		LossModeratePct:       5,
		LossMildPct:           1,
		DecreaseSeverePct:     25,
		DecreaseModeratePct:   12,
		DecreaseMildPct:       5,
		IncreaseGoodPct:       5,
		GoodStabilityMs:       5000,
		IncreaseMinIntervalMs: 3000,
		PoorStatusCapPct:      25,
	}
}

// Session is the controller's view of a streaming session: the negotiated
// bounds and the config fields the loss estimate depends on.
type Session interface {
	AutoBitrateEnabled() bool
	AutoBitrateMinKbps() int // 0 = not set by the client
	AutoBitrateMaxKbps() int // 0 = not set by the client
	ConfiguredBitrateKbps() int
	ConfiguredFramerate() int // fps if <= 1000, millifps otherwise
}

// Stats is the snapshot shipped to the client.
type Stats struct {
	CurrentBitrateKbps   uint32
	LastAdjustmentTimeMs uint64 // relative to session start, 0 if never adjusted
	AdjustmentCount      uint32
	LossPercentage       float32
}

type sessionState struct {
	lastReportedGoodFrame        uint64
	lastLossStatsTime            time.Time
	lastAdjustmentTime           time.Time
	lastSuccessfulAdjustmentTime time.Time
	sessionStartTime             time.Time
	lossPercentage               float64
	connectionStatus             int
	currentBitrateKbps           int
	adjustmentCount              uint32
}

// Controller tracks per-session network quality state.
type Controller struct {
	mu       sync.Mutex
	settings Settings
	states   map[Session]*sessionState

	// now is the steady clock, replaceable in tests.
	now func() time.Time
}

// New creates a controller with the given settings.
func New(settings Settings) *Controller {
	return &Controller{
		settings: settings,
		states:   make(map[Session]*sessionState),
		now:      time.Now,
	}
}

// SetClock replaces the controller's steady clock. Tests use this to
// step through adjustment intervals without sleeping.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// ProcessLossStats handles a modern LOSS_STATS report: loss is inferred
// from the lastGoodFrame progression against the framerate-derived
// expectation.
func (c *Controller) ProcessLossStats(s Session, lastGoodFrame uint64, interval time.Duration) {
	if s == nil || !s.AutoBitrateEnabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.getOrCreateState(s)
	state.lossPercentage = c.computeLossPercentage(s, state, lastGoodFrame, interval)
	state.lastReportedGoodFrame = lastGoodFrame
	state.lastLossStatsTime = c.now()
}

// ProcessLossStatsDirect handles a legacy report carrying a direct loss
// figure. The figure is validated against the framerate-derived estimate
// and never trusted beyond it.
func (c *Controller) ProcessLossStatsDirect(s Session, lossPct float64, lastGoodFrame uint64, interval time.Duration) {
	if s == nil || !s.AutoBitrateEnabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.getOrCreateState(s)
	inferred := c.computeLossPercentage(s, state, lastGoodFrame, interval)
	if state.lastReportedGoodFrame != 0 && lossPct > inferred {
		lossPct = inferred
	}
	if lossPct < 0 {
		lossPct = 0
	}
	state.lossPercentage = lossPct
	state.lastReportedGoodFrame = lastGoodFrame
	state.lastLossStatsTime = c.now()
}

// ProcessConnectionStatus handles a CONNECTION_STATUS report: 0 is OKAY,
// anything else POOR. A session that never reports is treated as OKAY.
func (c *Controller) ProcessConnectionStatus(s Session, status int) {
	if s == nil || !s.AutoBitrateEnabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.getOrCreateState(s)
	if status != StatusOkay {
		state.connectionStatus = StatusPoor
	} else {
		state.connectionStatus = StatusOkay
	}
}

// ShouldAdjustBitrate reports whether a change is due: the adjustment
// interval has elapsed and the factor clears the minimum threshold.
func (c *Controller) ShouldAdjustBitrate(s Session) bool {
	if s == nil || !s.AutoBitrateEnabled() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[s]
	if !ok {
		return false
	}

	now := c.now()

	minInterval := c.settings.AdjustmentIntervalMs
	if minInterval <= 0 {
		minInterval = 3000
	}
	if now.Sub(state.lastAdjustmentTime) < time.Duration(minInterval)*time.Millisecond {
		return false
	}

	factor := c.adjustmentFactor(state, now)

	minPct := c.settings.MinAdjustmentPct
	if minPct < 0 {
		minPct = 5
	}
	minFactor := float64(minPct) / 100.0
	if minPct == 0 && factor == 1.0 {
		return false
	}
	if minPct > 0 && abs(factor-1.0) < minFactor {
		return false
	}
	return true
}

// CalculateNewBitrate computes the next bitrate, clamped to the resolved
// bounds. State is not updated here; ConfirmBitrateChange records the
// outcome after the encoder has spoken.
func (c *Controller) CalculateNewBitrate(s Session) int {
	if s == nil {
		return 0
	}
	if !s.AutoBitrateEnabled() {
		return s.ConfiguredBitrateKbps()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[s]
	if !ok {
		return s.ConfiguredBitrateKbps()
	}

	factor := c.adjustmentFactor(state, c.now())
	newBitrate := int(float64(state.currentBitrateKbps) * factor)

	minBitrate, maxBitrate := c.resolveBounds(s)
	return clamp(newBitrate, minBitrate, maxBitrate)
}

// resolveBounds merges client-requested and server-configured limits.
// Client values form the base; server limits are absolute clamps; the
// session's configured bitrate is the last-resort maximum.
func (c *Controller) resolveBounds(s Session) (int, int) {
	clientMin := s.AutoBitrateMinKbps()
	clientMax := s.AutoBitrateMaxKbps()

	serverMin := c.settings.MinKbps
	if serverMin <= 0 {
		serverMin = 1
	}
	serverMax := c.settings.MaxKbps
	if serverMax <= 0 {
		serverMax = c.settings.MaxBitrateCap
	} else if c.settings.MaxBitrateCap > 0 && c.settings.MaxBitrateCap < serverMax {
		serverMax = c.settings.MaxBitrateCap
	}

	minBitrate := serverMin
	if clientMin > 0 {
		minBitrate = clientMin
	}
	if minBitrate < serverMin {
		minBitrate = serverMin
	}

	var maxBitrate int
	if clientMax > 0 {
		maxBitrate = clientMax
		if serverMax > 0 && maxBitrate > serverMax {
			maxBitrate = serverMax
		}
	} else if serverMax > 0 {
		maxBitrate = serverMax
	} else {
		maxBitrate = s.ConfiguredBitrateKbps()
		if maxBitrate < 1 {
			maxBitrate = 1000
		}
	}

	if minBitrate > maxBitrate {
		minBitrate = maxBitrate
	}
	if minBitrate < 1 {
		minBitrate = 1
	}
	if maxBitrate < 1 {
		maxBitrate = 1
	}
	return minBitrate, maxBitrate
}

// ConfirmBitrateChange records the encoder's verdict. The adjustment time
// always advances, so a refusing encoder is not retried before the
// backoff interval; the bitrate and count advance only on success.
func (c *Controller) ConfirmBitrateChange(s Session, newBitrateKbps int, success bool) {
	if s == nil || !s.AutoBitrateEnabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.getOrCreateState(s)
	now := c.now()
	state.lastAdjustmentTime = now

	if success && newBitrateKbps != state.currentBitrateKbps {
		state.adjustmentCount++
		state.currentBitrateKbps = newBitrateKbps
		state.lastSuccessfulAdjustmentTime = now
	}
}

// Reset erases the session's controller state; the next report starts a
// fresh trajectory.
func (c *Controller) Reset(s Session) {
	if s == nil {
		return
	}
	c.mu.Lock()
	delete(c.states, s)
	c.mu.Unlock()
}

// GetStats snapshots the session's controller state for the stats egress.
func (c *Controller) GetStats(s Session) (Stats, bool) {
	if s == nil || !s.AutoBitrateEnabled() {
		return Stats{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[s]
	if !ok {
		return Stats{}, false
	}

	stats := Stats{
		CurrentBitrateKbps: uint32(state.currentBitrateKbps),
		AdjustmentCount:    state.adjustmentCount,
		LossPercentage:     float32(state.lossPercentage),
	}
	if state.adjustmentCount > 0 {
		d := state.lastSuccessfulAdjustmentTime.Sub(state.sessionStartTime)
		if d > 0 {
			stats.LastAdjustmentTimeMs = uint64(d.Milliseconds())
		}
	}
	return stats, true
}

// CurrentBitrate returns the bitrate the controller believes the encoder
// is running at.
func (c *Controller) CurrentBitrate(s Session) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[s]; ok {
		return state.currentBitrateKbps
	}
	return s.ConfiguredBitrateKbps()
}

// ConnectionStatus returns the controller's current view of the
// session's connection; a session with no state reports OKAY.
func (c *Controller) ConnectionStatus(s Session) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[s]; ok {
		return state.connectionStatus
	}
	return StatusOkay
}

// computeLossPercentage compares the expected frame progression with the
// client's report. The first report has no baseline and yields zero.
func (c *Controller) computeLossPercentage(s Session, state *sessionState, lastGoodFrame uint64, interval time.Duration) float64 {
	if state.lastReportedGoodFrame == 0 {
		return 0.0
	}

	framerate := float64(s.ConfiguredFramerate())
	if framerate > 1000 {
		framerate /= 1000.0
	}

	expectedFrames := framerate * interval.Seconds()
	if expectedFrames <= 0 {
		return 0.0
	}

	expectedCurrent := state.lastReportedGoodFrame + uint64(expectedFrames)
	var lost float64
	if lastGoodFrame < expectedCurrent {
		lost = float64(expectedCurrent - lastGoodFrame)
	}
	return lost / expectedFrames * 100.0
}

// adjustmentFactor derives the multiplicative bitrate factor from the
// current loss tier, the POOR-status cap, and the stability window for
// increases.
func (c *Controller) adjustmentFactor(state *sessionState, now time.Time) float64 {
	severeThreshold := max0(c.settings.LossSeverePct)
	moderateThreshold := max0(c.settings.LossModeratePct)
	mildThreshold := max0(c.settings.LossMildPct)

	factor := 1.0
	switch {
	case state.lossPercentage > float64(severeThreshold):
		factor = 1.0 - float64(max0(c.settings.DecreaseSeverePct))/100.0
	case state.lossPercentage > float64(moderateThreshold):
		factor = 1.0 - float64(max0(c.settings.DecreaseModeratePct))/100.0
	case state.lossPercentage > float64(mildThreshold):
		factor = 1.0 - float64(max0(c.settings.DecreaseMildPct))/100.0
	default:
		sinceAdjustment := now.Sub(state.lastAdjustmentTime)
		if sinceAdjustment >= time.Duration(c.settings.GoodStabilityMs)*time.Millisecond &&
			state.connectionStatus == StatusOkay {
			factor = 1.0 + float64(max0(c.settings.IncreaseGoodPct))/100.0
		}
	}

	// POOR caps the factor regardless of the loss tier, so a client
	// signalling congestion forces a decrease even with clean loss stats.

	if state.connectionStatus == StatusPoor {
		poorCap := 1.0 - float64(max0(c.settings.PoorStatusCapPct))/100.0
		if factor > poorCap {
			factor = poorCap
		}
	}

	if factor > 1.0 {
		sinceAdjustment := now.Sub(state.lastAdjustmentTime)
		if sinceAdjustment < time.Duration(c.settings.IncreaseMinIntervalMs)*time.Millisecond {
			return 1.0
		}
	}
	return factor
}

func (c *Controller) getOrCreateState(s Session) *sessionState {
	state, ok := c.states[s]
	if !ok {
		now := c.now()
		state = &sessionState{
			currentBitrateKbps:           s.ConfiguredBitrateKbps(),
			sessionStartTime:             now,
			lastAdjustmentTime:           now,
			lastSuccessfulAdjustmentTime: now,
			lastLossStatsTime:            now,
		}
		c.states[s] = state
	}
	return state
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
