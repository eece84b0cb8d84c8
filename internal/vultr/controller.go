// Package vultr drives agent VMs through the Vultr API for lifecycle actions
// that do not need terraform: start, halt, reboot and delete.
package vultr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/vultr/govultr/v3"
	"golang.org/x/oauth2"

	"clawbrick/internal/logger"
)

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("vultr api unavailable")

// InstanceAPI is the subset of govultr.InstanceService the controller uses.
type InstanceAPI interface {
	Start(ctx context.Context, instanceID string) error
	Halt(ctx context.Context, instanceID string) error
	Reboot(ctx context.Context, instanceID string) error
	Delete(ctx context.Context, instanceID string) error
}

type Options struct {
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	Timeout time.Duration

	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

type Controller struct {
	api     InstanceAPI
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	log     *slog.Logger
}

// New builds a Controller backed by a govultr client authenticated with the
// API key as a bearer token.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.APIKey == "" {
		return nil, errors.New("vultr: api key is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey})
	client := govultr.NewClient(oauth2.NewClient(ctx, ts))
	client.SetUserAgent("clawbrick")
	if opts.BaseURL != "" {
		if err := client.SetBaseURL(opts.BaseURL); err != nil {
			return nil, fmt.Errorf("vultr base url: %w", err)
		}
	}
	return NewWithAPI(client.Instance, opts), nil
}

// NewWithAPI wraps an existing InstanceAPI.
func NewWithAPI(api InstanceAPI, opts Options) *Controller {
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "vultr",
		MaxRequests: 1,
		Interval:    defaultInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Controller{api: api, breaker: cb, timeout: opts.Timeout, log: log}
}

func (c *Controller) Start(ctx context.Context, instanceID string) error {
	return c.call(ctx, "start", instanceID, c.api.Start)
}

func (c *Controller) Halt(ctx context.Context, instanceID string) error {
	return c.call(ctx, "halt", instanceID, c.api.Halt)
}

func (c *Controller) Reboot(ctx context.Context, instanceID string) error {
	return c.call(ctx, "reboot", instanceID, c.api.Reboot)
}

func (c *Controller) Delete(ctx context.Context, instanceID string) error {
	return c.call(ctx, "delete", instanceID, c.api.Delete)
}

// State reports the breaker state.
func (c *Controller) State() gobreaker.State { return c.breaker.State() }

func (c *Controller) call(ctx context.Context, op, instanceID string, fn func(context.Context, string) error) error {
	if instanceID == "" {
		return fmt.Errorf("vultr %s: empty instance id", op)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx, instanceID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("vultr %s %s: %w: %v", op, instanceID, ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("vultr %s %s: %w", op, instanceID, err)
	}
	c.log.Info("vultr instance action", "op", op, "instance_id", instanceID)
	return nil
}
