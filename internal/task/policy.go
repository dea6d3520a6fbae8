package task

import "time"

// QueuePolicy is the static per-queue configuration consulted when tasks are
// created and when runners are constructed. Task rows copy these values at
// creation time; changing a policy never affects tasks already in flight.
type QueuePolicy struct {
	MaxAttempts      int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	StaleLockTimeout time.Duration
}

// DefaultPolicy applies to queue names the registry does not recognize.
var DefaultPolicy = QueuePolicy{
	MaxAttempts:      5,
	BaseRetryDelay:   10 * time.Second,
	MaxRetryDelay:    time.Hour,
	StaleLockTimeout: 10 * time.Minute,
}

// PolicyRegistry maps queue names to their policies. It is a constructed
// object passed into the enqueue facade and runner factories so tests can
// build isolated registries.
type PolicyRegistry struct {
	policies map[string]QueuePolicy
	fallback QueuePolicy
}

// NewPolicyRegistry returns a registry seeded with the built-in queues.
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		fallback: DefaultPolicy,
		policies: map[string]QueuePolicy{
			QueueCollector: {
				MaxAttempts:      5,
				BaseRetryDelay:   30 * time.Second,
				MaxRetryDelay:    15 * time.Minute,
				StaleLockTimeout: 10 * time.Minute,
			},
			QueueCollectorWeb: {
				MaxAttempts:      5,
				BaseRetryDelay:   30 * time.Second,
				MaxRetryDelay:    15 * time.Minute,
				StaleLockTimeout: 5 * time.Minute,
			},
			QueueRewrite: {
				MaxAttempts:    3,
				BaseRetryDelay: 20 * time.Second,
				MaxRetryDelay:  10 * time.Minute,
			},
			QueuePublish: {
				MaxAttempts:    4,
				BaseRetryDelay: 45 * time.Second,
				MaxRetryDelay:  30 * time.Minute,
			},
			QueueImage: {
				MaxAttempts:    3,
				BaseRetryDelay: 30 * time.Second,
				MaxRetryDelay:  15 * time.Minute,
			},
			QueueMaintenance: {
				MaxAttempts:    3,
				BaseRetryDelay: time.Minute,
				MaxRetryDelay:  time.Hour,
			},
			QueueSource: {
				MaxAttempts:    3,
				BaseRetryDelay: 2 * time.Minute,
				MaxRetryDelay:  time.Hour,
			},
			QueueDefault: DefaultPolicy,
		},
	}
}

// Register sets or replaces the policy for a queue.
func (r *PolicyRegistry) Register(queue string, policy QueuePolicy) {
	r.policies[queue] = policy
}

// Lookup returns the policy for the queue, falling back to the default policy
// for unknown names.
func (r *PolicyRegistry) Lookup(queue string) QueuePolicy {
	if policy, ok := r.policies[queue]; ok {
		return policy
	}
	return r.fallback
}
