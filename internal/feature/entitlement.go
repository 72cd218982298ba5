// Package feature gates paid functionality. Call buttons exist for
// everyone; whether starting a call is allowed depends on the user's
// plan.
package feature

import "context"

// Decision is the outcome of an entitlement check. Reason is shown to
// the user when Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
}

// Checker answers whether the current user may start calls.
type Checker interface {
	CanAccessVideoCall(ctx context.Context) Decision
	CanAccessAudioCall(ctx context.Context) Decision
}

// PlanChecker gates calls on plan flags resolved by the billing layer.
type PlanChecker struct {
	// Plan returns the feature flags of the current user's plan.
	Plan func(ctx context.Context) (videoCalls, audioCalls bool, err error)
}

func (c *PlanChecker) CanAccessVideoCall(ctx context.Context) Decision {
	video, _, err := c.Plan(ctx)
	if err != nil {
		return Decision{Reason: "could not verify your plan, please try again"}
	}
	if !video {
		return Decision{Reason: "video calls require a premium plan"}
	}
	return Decision{Allowed: true}
}

func (c *PlanChecker) CanAccessAudioCall(ctx context.Context) Decision {
	_, audio, err := c.Plan(ctx)
	if err != nil {
		return Decision{Reason: "could not verify your plan, please try again"}
	}
	if !audio {
		return Decision{Reason: "voice calls require a premium plan"}
	}
	return Decision{Allowed: true}
}

// AllowAll grants every call feature. Used in development and tests.
type AllowAll struct{}

func (AllowAll) CanAccessVideoCall(context.Context) Decision { return Decision{Allowed: true} }
func (AllowAll) CanAccessAudioCall(context.Context) Decision { return Decision{Allowed: true} }
