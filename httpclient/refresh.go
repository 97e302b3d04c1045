package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

// refreshTimeout bounds one shared refresh, independent of any caller.
const refreshTimeout = 10 * time.Second

// refreshKey is the single singleflight key: there is only ever one refresh.
const refreshKey = "refresh"

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenPair, error)
}

// RefreshState is the coordinator's state.
type RefreshState int32

const (
	Idle RefreshState = iota
	Refreshing
)

func (s RefreshState) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Coordinator collapses concurrent refresh demand into one network call.
type Coordinator struct {
	store     *tokenstore.Store
	refresher Refresher
	log       *slog.Logger
	metrics   *Metrics
	timeout   time.Duration

	group singleflight.Group
	state atomic.Int32
}

// NewCoordinator creates a Coordinator writing refreshed pairs to store.
func NewCoordinator(store *tokenstore.Store, refresher Refresher, log *slog.Logger, metrics *Metrics) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		refresher: refresher,
		log:       log,
		metrics:   metrics,
		timeout:   refreshTimeout,
	}
}

// State reports whether a refresh is in flight.
func (c *Coordinator) State() RefreshState {
	return RefreshState(c.state.Load())
}

// Refresh joins the in-flight refresh or starts one, and returns its
// outcome: the new pair, or nil when the refresh failed (tokens are cleared
// in that case). The error is non-nil only when ctx ends before the outcome
// is known; the shared refresh itself keeps running.
func (c *Coordinator) Refresh(ctx context.Context) (*tokenstore.TokenPair, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.run(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		pair, _ := res.Val.(*tokenstore.TokenPair)
		if pair == nil {
			return nil, nil
		}
		cp := *pair
		return &cp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context) (pair *tokenstore.TokenPair) {
	c.state.Store(int32(Refreshing))
	defer c.state.Store(int32(Idle))

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("token_refresh_panic", slog.String("panic", fmt.Sprint(r)))
			c.clear()
			pair = nil
		}
		c.metrics.observeRefresh(pair != nil)
		c.log.Debug("token_refresh_done",
			slog.Bool("ok", pair != nil),
			slog.Duration("dur", time.Since(start)),
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	current := c.store.Tokens()
	if current == nil {
		c.log.Info("token_refresh_skipped", slog.String("reason", "no refresh token"))
		c.clear()
		return nil
	}

	next, err := c.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		c.log.Warn("token_refresh_failed", slog.String("err", err.Error()))
		c.clear()
		return nil
	}
	if err := c.store.SetTokens(next); err != nil {
		c.log.Warn("token_refresh_save_failed", slog.String("err", err.Error()))
		c.clear()
		return nil
	}
	return next
}

func (c *Coordinator) clear() {
	if err := c.store.ClearTokens(); err != nil {
		c.log.Warn("token_clear_failed", slog.String("err", err.Error()))
	}
}
