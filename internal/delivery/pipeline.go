package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

// Profile bundles the splitting and pacing knobs applied to one class of
// chats. The zero-named profile is the default.
type Profile struct {
	SplitMode splitter.Mode
	SplitCfg  splitter.Config
	Delay     pacing.DelaySpec
}

// Pipeline is the submission front door: it resolves the delivery profile,
// builds the immutable plan, and hands it to the scheduler.
type Pipeline struct {
	scheduler *Scheduler
	defaults  Profile
	profiles  map[string]Profile
	metrics   *observability.Metrics
	logger    *zap.Logger

	// seedFn yields the delay seed per submission; tests override it for
	// reproducible plans.
	seedFn func() int64
}

func NewPipeline(scheduler *Scheduler, defaults Profile, profiles map[string]Profile, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		scheduler: scheduler,
		defaults:  defaults,
		profiles:  profiles,
		metrics:   metrics,
		logger:    logger,
		seedFn:    func() int64 { return time.Now().UnixNano() },
	}
}

// ProfileNames lists the configured named profiles.
func (p *Pipeline) ProfileNames() []string {
	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	return names
}

// Defaults exposes the default profile, for settings endpoints.
func (p *Pipeline) Defaults() Profile { return p.defaults }

// Submit builds a plan for the request under the named profile (empty for
// the default) and starts delivery. Configuration problems surface as a
// ConfigError; a busy answer-safe chat surfaces ErrChatBusy.
func (p *Pipeline) Submit(ctx context.Context, req Request, profileName string) (*Session, error) {
	prof := p.defaults
	if profileName != "" {
		named, ok := p.profiles[profileName]
		if !ok {
			return nil, &ConfigError{Err: errUnknownProfile(profileName)}
		}
		prof = named
	}

	mode := req.Mode
	if mode == "" {
		mode = prof.SplitMode
	}
	req.Mode = mode

	plan, err := BuildPlan(req, prof.SplitCfg, prof.Delay, p.seedFn())
	if err != nil {
		return nil, err
	}
	if plan.SplitFellBack {
		p.metrics.DeliveryEvents.WithLabelValues("split_fallback").Inc()
		p.logger.Debug("splitter fell back to whole text",
			zap.String("chat_id", req.ChatID),
			zap.String("mode", string(mode)))
	}
	return p.scheduler.Start(ctx, plan)
}
