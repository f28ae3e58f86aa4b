package payments

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DunningPolicy is the retry schedule for failed payments. MaxRetries is
// the single source of truth for "how many attempts": the processor, the
// overdue sweep, and RetryPayment all read the same value.
type DunningPolicy struct {
	MaxRetries        int           `yaml:"maxRetries"`
	RetryScheduleDays []int         `yaml:"retryScheduleDays"`
	CancelAfterDays   int           `yaml:"cancelAfterDays"`
	GatewayTimeout    time.Duration `yaml:"gatewayTimeout"`
}

// DefaultPolicy retries after 1, 3, 7 and 14 days, then cancels the
// subscription 30 days after the schedule is exhausted.
func DefaultPolicy() DunningPolicy {
	return DunningPolicy{
		MaxRetries:        4,
		RetryScheduleDays: []int{1, 3, 7, 14},
		CancelAfterDays:   30,
		GatewayTimeout:    30 * time.Second,
	}
}

func (p DunningPolicy) Validate() error {
	if p.MaxRetries <= 0 {
		return fmt.Errorf("maxRetries must be positive, got %d", p.MaxRetries)
	}
	if len(p.RetryScheduleDays) == 0 {
		return fmt.Errorf("retryScheduleDays must not be empty")
	}
	for i, d := range p.RetryScheduleDays {
		if d <= 0 {
			return fmt.Errorf("retryScheduleDays[%d] must be positive, got %d", i, d)
		}
	}
	if p.CancelAfterDays <= 0 {
		return fmt.Errorf("cancelAfterDays must be positive, got %d", p.CancelAfterDays)
	}
	if p.GatewayTimeout <= 0 {
		return fmt.Errorf("gatewayTimeout must be positive, got %s", p.GatewayTimeout)
	}
	return nil
}

// UnmarshalYAML decodes a policy file, keeping the receiver's current
// values for omitted fields and accepting gatewayTimeout as a duration
// string ("30s").
func (p *DunningPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries        *int   `yaml:"maxRetries"`
		RetryScheduleDays []int  `yaml:"retryScheduleDays"`
		CancelAfterDays   *int   `yaml:"cancelAfterDays"`
		GatewayTimeout    string `yaml:"gatewayTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxRetries != nil {
		p.MaxRetries = *raw.MaxRetries
	}
	if raw.RetryScheduleDays != nil {
		p.RetryScheduleDays = raw.RetryScheduleDays
	}
	if raw.CancelAfterDays != nil {
		p.CancelAfterDays = *raw.CancelAfterDays
	}
	if raw.GatewayTimeout != "" {
		timeout, err := time.ParseDuration(raw.GatewayTimeout)
		if err != nil {
			return fmt.Errorf("invalid gatewayTimeout: %w", err)
		}
		p.GatewayTimeout = timeout
	}
	return nil
}

// NextRetryDelay returns the delay after the given failed attempt
// (1-based). Attempts beyond the schedule reuse the last entry.
func (p DunningPolicy) NextRetryDelay(attemptNumber int) time.Duration {
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.RetryScheduleDays) {
		idx = len(p.RetryScheduleDays) - 1
	}
	return time.Duration(p.RetryScheduleDays[idx]) * 24 * time.Hour
}

// CancelDelay is how long past-due subscriptions are given before the
// scheduled cancellation fires.
func (p DunningPolicy) CancelDelay() time.Duration {
	return time.Duration(p.CancelAfterDays) * 24 * time.Hour
}

// PolicyHolder is the hot-reloadable policy handle shared between the
// processor and the scheduler.
type PolicyHolder struct {
	mu     sync.RWMutex
	policy DunningPolicy
}

func NewPolicyHolder(policy DunningPolicy) (*PolicyHolder, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dunning policy: %w", err)
	}
	return &PolicyHolder{policy: policy}, nil
}

// Get returns the current policy by value; the caller works against a
// consistent snapshot for the whole operation.
func (h *PolicyHolder) Get() DunningPolicy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy
}

// Set swaps in a new policy. Invalid policies are rejected and the
// current one stays in effect.
func (h *PolicyHolder) Set(policy DunningPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid dunning policy: %w", err)
	}
	h.mu.Lock()
	h.policy = policy
	h.mu.Unlock()
	return nil
}
