// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/config"
)

const (
	defaultNavigationTimeout = 90 * time.Second
	stabilizeTimeout         = 30 * time.Second
)

// Session is one browser tab in its own browser context. It implements
// schemas.Driver.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	browserCfg config.BrowserConfig
	networkCfg config.NetworkConfig

	onClose   func()
	closeOnce sync.Once
}

var _ schemas.Driver = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.Interface, logger *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(zap.String("session_id", id)),
		browserCfg: cfg.Browser(),
		networkCfg: cfg.Network(),
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// RunActions executes chromedp actions bound to both the session lifetime
// and ctx. A positive timeout bounds the whole batch. When the combined
// context ends the returned error wraps its cause.
func (s *Session) RunActions(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && runCtx.Err() != nil {
		return fmt.Errorf("%w (%v)", context.Cause(runCtx), err)
	}
	return err
}

// Navigate loads url and waits for the document body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	navTimeout := s.networkCfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	if err := s.RunActions(ctx, navTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	if err := s.stabilize(ctx); err != nil {
		if ctx.Err() != nil || s.ctx.Err() != nil {
			return err
		}
		s.logger.Warn("Page stabilization failed after navigation (non-critical).", zap.Error(err))
	}
	return nil
}

// stabilize waits for the body element and then the configured quiet period.
func (s *Session) stabilize(ctx context.Context) error {
	actions := []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	if s.networkCfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(s.networkCfg.PostLoadWait))
	}
	return s.RunActions(ctx, stabilizeTimeout, actions...)
}

// Close closes the tab and its browser context. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		// Cancelling a chromedp tab context closes the target and its browser context.
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
