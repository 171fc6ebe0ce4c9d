package delivery

import (
	"strings"

	"github.com/google/uuid"

	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

// Request is one generated response submitted for delivery. Policy may be
// left empty to let ModeFor decide from the chat context.
type Request struct {
	ChatID    string
	RequestID string
	ReplyTo   string
	Text      string
	Mode      splitter.Mode
	Policy    ModePolicy
}

// BuildPlan splits the response and precomputes every inter-chunk delay, so
// the resulting plan is immutable and, for a fixed seed, fully
// deterministic. Invalid configuration is reported as a ConfigError before
// any side effect happens.
func BuildPlan(req Request, cfg splitter.Config, spec pacing.DelaySpec, seed int64) (Plan, error) {
	policy, err := pacing.NewPolicy(spec, seed)
	if err != nil {
		return Plan{}, &ConfigError{Err: err}
	}
	res, err := splitter.Split(req.Text, req.Mode, cfg)
	if err != nil {
		return Plan{}, &ConfigError{Err: err}
	}

	mode := req.Policy
	if mode == "" {
		mode = ModeFor(ChatContext{ChatID: req.ChatID, ReplyToMessageID: req.ReplyTo})
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	plan := Plan{
		ChatID:        req.ChatID,
		RequestID:     requestID,
		Policy:        mode,
		ReplyTo:       req.ReplyTo,
		Chunks:        make([]Chunk, 0, len(res.Chunks)),
		SplitFellBack: res.FellBack,
	}
	for i, text := range res.Chunks {
		c := Chunk{
			Index:          i,
			Text:           text,
			EstimatedDelay: policy.NextDelay(text),
		}
		if i == 0 && strings.TrimSpace(req.ReplyTo) != "" {
			c.ReplyTo = req.ReplyTo
		}
		plan.Chunks = append(plan.Chunks, c)
	}
	return plan, nil
}
