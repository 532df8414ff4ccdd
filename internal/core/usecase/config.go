package usecase

import (
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/normalize"
	"github.com/kirillkom/receipt-idp/internal/core/route"
	"github.com/kirillkom/receipt-idp/internal/core/validate"
)

// RetryPolicy bounds extraction attempts. Attempt n (n>1) waits
// InitialBackoff*Multiplier^(n-2), capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func (p RetryPolicy) normalize() RetryPolicy {
	out := p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.InitialBackoff < 0 {
		out.InitialBackoff = 0
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1 {
		out.Multiplier = 1
	}
	return out
}

func (p RetryPolicy) next(wait time.Duration) time.Duration {
	grown := time.Duration(float64(wait) * p.Multiplier)
	if grown > p.MaxBackoff {
		return p.MaxBackoff
	}
	return grown
}

// PipelineConfig is everything that changes pipeline behaviour. It is passed
// explicitly so a run is reproducible from its inputs.
type PipelineConfig struct {
	Normalize  normalize.Config
	Validate   validate.Config
	Route      route.Config
	Extraction RetryPolicy

	// ConflictRetries bounds re-read-and-retry rounds on optimistic version conflicts.
	ConflictRetries int
	Now             func() time.Time
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Normalize: normalize.Config{DateLayouts: normalize.DefaultDateLayouts()},
		Validate:  validate.DefaultConfig(),
		Route:     route.Config{Threshold: route.DefaultThreshold},
		Extraction: RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
		},
		ConflictRetries: 3,
		Now:             time.Now,
	}
}

func (c PipelineConfig) normalize() PipelineConfig {
	out := c
	out.Extraction = out.Extraction.normalize()
	if out.ConflictRetries < 0 {
		out.ConflictRetries = 0
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Validate.Now == nil {
		out.Validate.Now = out.Now
	}
	return out
}
