package replicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

// Direction selects which way changes flow
type Direction int

const (
	// DirectionPushAndPull replicates in both directions
	DirectionPushAndPull Direction = iota
	// DirectionPush sends local changes to the endpoint
	DirectionPush
	// DirectionPull receives changes from the endpoint
	DirectionPull
)

// String returns the configuration name of the direction
func (d Direction) String() string {
	switch d {
	case DirectionPushAndPull:
		return "pushAndPull"
	case DirectionPush:
		return "push"
	case DirectionPull:
		return "pull"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection parses "push", "pull" or "pushAndPull"
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "pushAndPull", "":
		return DirectionPushAndPull, nil
	case "push":
		return DirectionPush, nil
	case "pull":
		return DirectionPull, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidConfiguration, s)
	}
}

func (d Direction) pushes() bool {
	return d == DirectionPush || d == DirectionPushAndPull
}

func (d Direction) pulls() bool {
	return d == DirectionPull || d == DirectionPushAndPull
}

func (d Direction) flows() []flow {
	var flows []flow
	if d.pushes() {
		flows = append(flows, flowPush)
	}
	if d.pulls() {
		flows = append(flows, flowPull)
	}
	return flows
}

const (
	// DefaultBatchSize is the number of changes per pushed batch and per pulled batch
	DefaultBatchSize = 100

	// DefaultOneShotAttempts bounds connection attempts of a one-shot replication
	DefaultOneShotAttempts = 3

	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultPollInterval    = time.Second
	defaultDrainTimeout    = 10 * time.Second
)

// RetryPolicy controls reconnection after transient transport failures.
// Delays grow exponentially from InitialInterval up to MaxInterval.
type RetryPolicy struct {
	// MaxAttempts bounds consecutive failed connection attempts before the
	// replication stops. Zero selects DefaultOneShotAttempts for one-shot
	// replications and no limit for continuous ones.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Configuration describes a replication. It is copied by New, so changing it
// afterwards has no effect on the Replicator.
type Configuration struct {
	// Name labels the replication in logs and metrics
	Name string

	Store     store.Store
	Target    Endpoint
	Direction Direction

	// Continuous keeps the replication running after it has caught up
	Continuous bool

	// ResetCheckpoint discards stored checkpoints at every Start
	ResetCheckpoint bool

	BatchSize int
	Retry     RetryPolicy

	// Authenticator adds credentials to the connection handshake
	Authenticator transport.Authenticator

	// PollInterval is how often a store without change notifications is
	// checked for new changes in continuous mode
	PollInterval time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight batches
	DrainTimeout time.Duration
}

// withDefaults returns a copy of the configuration with defaults applied
func (c Configuration) withDefaults() Configuration {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Retry.MaxAttempts == 0 && !c.Continuous {
		c.Retry.MaxAttempts = DefaultOneShotAttempts
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = defaultInitialInterval
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = defaultMaxInterval
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = defaultMultiplier
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Name == "" && c.Target != nil {
		c.Name = c.Target.String()
	}
	return c
}

// validate checks the configuration and wraps every failure in ErrInvalidConfiguration
func (c Configuration) validate() error {
	var errs []error

	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	switch target := c.Target.(type) {
	case nil:
		errs = append(errs, errors.New("target endpoint is required"))
	case *URLEndpoint:
		if target == nil || target.url == nil {
			errs = append(errs, errors.New("target URL endpoint must be created with NewURLEndpoint"))
		}
	case *LocalStoreEndpoint:
		if target == nil || target.store == nil {
			errs = append(errs, errors.New("target local store is required"))
		} else if c.Store != nil && target.store.ID() == c.Store.ID() {
			errs = append(errs, errors.New("a store cannot replicate with itself"))
		}
	}
	switch c.Direction {
	case DirectionPush, DirectionPull, DirectionPushAndPull:
	default:
		errs = append(errs, fmt.Errorf("unknown direction %d", int(c.Direction)))
	}
	if c.BatchSize < 0 {
		errs = append(errs, errors.New("batch size must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry max attempts must not be negative"))
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0 {
		errs = append(errs, errors.New("retry intervals must not be negative"))
	}
	if c.Retry.MaxInterval > 0 && c.Retry.InitialInterval > c.Retry.MaxInterval {
		errs = append(errs, errors.New("retry initial interval exceeds max interval"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if c.PollInterval < 0 || c.DrainTimeout < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}
