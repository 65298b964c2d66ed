package pluginsup

import (
	"fmt"
	"time"

	"github.com/ctrlhost/pluginsup/eventlog"
	"github.com/ctrlhost/pluginsup/logsink"
)

// handleCrash is the recovery state machine of spec §4.7, entered whenever
// a plugin's process exit was not initiated by the supervisor's own kill
// path.
func (s *Supervisor) handleCrash(id string, exitErr error) {
	count := s.restarts.Increment(id)

	if count >= s.maxRestarts {
		s.registry.setEnabled(id, false)
		_ = s.enableMap.Set(id, false)
		s.notify(id, eventlog.EventDisabledAfterMaxRestarts, logsink.LevelError,
			fmt.Sprintf("restart count %d reached max_restarts %d", count, s.maxRestarts))
		return
	}

	delay := backoffDelay(count - 1)
	s.notify(id, eventlog.EventRestartingWithBackoff, logsink.LevelWarn,
		fmt.Sprintf("restart %d of %d, delay=%s, last_exit=%v", count, s.maxRestarts, delay, exitErr))

	go s.restartAfterBackoff(id, delay)
}

// restartAfterBackoff sleeps delay, then re-spawns and re-runs the init
// handshake (spec §4.7 steps 5-6). A successful init does not reset the
// restart counter — only an explicit enable call does.
func (s *Supervisor) restartAfterBackoff(id string, delay time.Duration) {
	time.Sleep(delay)

	p, ok := s.registry.Get(id)
	if !ok || !p.Enabled {
		return
	}

	if err := s.spawn(id); err != nil {
		s.logger.Error("crash recovery: re-spawn failed", "plugin_id", id, "error", err)
	}
}
