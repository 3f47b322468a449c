package realtime

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepParser accepts five or six field expressions and descriptors such as
// "@every 1m".
var sweepParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PresenceSweeper periodically demotes idle users to away.
type PresenceSweeper struct {
	cron *cron.Cron
}

// NewPresenceSweeper schedules g.SweepAway on spec. Call Start to run it.
func NewPresenceSweeper(g *Gateway, spec string) (*PresenceSweeper, error) {
	c := cron.New(cron.WithParser(sweepParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		if n := g.SweepAway(g.now()); n > 0 {
			g.log.Debug("presence sweep", "away", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid presence sweep schedule %q: %w", spec, err)
	}
	return &PresenceSweeper{cron: c}, nil
}

func (s *PresenceSweeper) Start() {
	s.cron.Start()
}

// Stop waits up to timeout for a running sweep to finish.
func (s *PresenceSweeper) Stop(timeout time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}
