// File: internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/config"
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager handles the browser process lifecycle and session creation using chromedp.
type Manager struct {
	cfg    config.Interface
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.Mutex
	wg       sync.WaitGroup // Tracks open sessions so Shutdown can wait for them.
	closed   bool

	// Initialization state management
	initOnce sync.Once
	initErr  error
}

var _ schemas.SessionFactory = (*Manager)(nil)

// NewManager creates a new browser manager. The browser is launched when the
// first session is requested.
func NewManager(cfg config.Interface, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("browser manager requires a configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m, nil
}

// initialize starts the allocator and launches the browser process.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		bcfg := m.cfg.Browser()
		m.logger.Info("Launching browser...", zap.Bool("headless", bcfg.Headless))

		// The process must outlive whichever request happened to trigger the launch.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(bcfg, m.cfg.Network())...)

		sugar := m.logger.Sugar()
		ctxOpts := []chromedp.ContextOption{
			chromedp.WithLogf(sugar.Debugf),
			chromedp.WithErrorf(sugar.Debugf),
		}
		if bcfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
		}
		browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.allocCancel = allocCancel
		m.browserCtx, m.browserCancel = browserCtx, browserCancel
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// NewSession opens a tab in a fresh browser context, so runs never share
// cookies or storage.
func (m *Manager) NewSession(ctx context.Context) (schemas.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if err := m.initialize(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	if err := chromedp.Run(tabCtx, applyPersona(personaFrom(m.cfg.Browser()), m.logger)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to apply browser persona: %w", err)
	}

	s := newSession(tabCtx, tabCancel, m.cfg, m.logger)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tabCancel()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	m.logger.Info("New session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// ActiveSessions reports the number of open sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes all sessions and the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// Waits out an in-flight launch and stops any later one.
	m.initOnce.Do(func() { m.initErr = ErrManagerClosed })

	m.mu.Lock()
	toClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		toClose = append(toClose, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(toClose)))
	for _, s := range toClose {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
		err = ctx.Err()
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.logger.Info("Browser manager shutdown complete.")
	return err
}
