package fdbus

import (
	"sync"
	"time"

	"github.com/adred-codev/fdbus/internal/worker"
)

// WatchdogConfig enables the liveness-probe sideband of spec §4.9, grounded
// on original_source/fdbus/CFdbWatchdog.h: the peer is expected to send a
// SidebandFeedWatchdog request at least once per Interval; missing
// BarkThreshold consecutive intervals runs OnBark (typically: log and kill
// the session).
type WatchdogConfig struct {
	Interval      time.Duration
	BarkThreshold int
	OnBark        func(*Session)
}

// sessionWatchdog is the per-session liveness tracker installed when an
// Endpoint has a WatchdogConfig (spec §4.9).
type sessionWatchdog struct {
	mu      sync.Mutex
	session *Session
	cfg     *WatchdogConfig
	missed  int
	fed     bool
	timer   *worker.Timer
}

func newSessionWatchdog(s *Session, cfg *WatchdogConfig, w *worker.Worker) *sessionWatchdog {
	wd := &sessionWatchdog{session: s, cfg: cfg, fed: true}
	wd.timer = w.AddTimer(cfg.Interval, true, wd.check)
	return wd
}

// feed resets the missed-interval counter; called on every inbound
// SidebandFeedWatchdog request (spec §4.9).
func (wd *sessionWatchdog) feed() {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	wd.fed = true
	wd.missed = 0
}

// check runs once per Interval on the endpoint's context worker. It bites
// after BarkThreshold consecutive intervals with no feed.
func (wd *sessionWatchdog) check() {
	wd.mu.Lock()
	if wd.fed {
		wd.fed = false
		wd.mu.Unlock()
		return
	}
	wd.missed++
	bark := wd.missed >= wd.cfg.BarkThreshold
	wd.mu.Unlock()

	if bark && wd.cfg.OnBark != nil {
		wd.cfg.OnBark(wd.session)
	}
}

func (wd *sessionWatchdog) stop() {
	if wd.timer != nil {
		wd.timer.Cancel()
	}
}
