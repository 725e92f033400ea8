// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Network() config.NetworkConfig {
	args := m.Called()
	return args.Get(0).(config.NetworkConfig)
}

func (m *MockConfig) Automation() config.AutomationConfig {
	args := m.Called()
	return args.Get(0).(config.AutomationConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool)               { m.Called(b) }
func (m *MockConfig) SetAutomationRunTimeout(d time.Duration) { m.Called(d) }
func (m *MockConfig) SetServerListenAddr(addr string)         { m.Called(addr) }

// -- Browser Mocks --

// MockDriver mocks schemas.Driver. Close calls are counted separately so
// tests can assert a session is released exactly once.
type MockDriver struct {
	mock.Mock

	mu         sync.Mutex
	closeCalls int
}

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockDriver) FindElement(ctx context.Context, selector string, selectorType schemas.SelectorType) (schemas.Element, error) {
	args := m.Called(ctx, selector, selectorType)
	return args.Get(0).(schemas.Element), args.Error(1)
}

func (m *MockDriver) Click(ctx context.Context, el schemas.Element) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockDriver) SetValue(ctx context.Context, el schemas.Element, value interface{}) error {
	return m.Called(ctx, el, value).Error(0)
}

func (m *MockDriver) SelectOption(ctx context.Context, el schemas.Element, value string) error {
	return m.Called(ctx, el, value).Error(0)
}

func (m *MockDriver) WaitFor(ctx context.Context, selector string, selectorType schemas.SelectorType, timeout time.Duration) error {
	return m.Called(ctx, selector, selectorType, timeout).Error(0)
}

func (m *MockDriver) GetText(ctx context.Context, el schemas.Element) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) ListElements(ctx context.Context, selector string, selectorType schemas.SelectorType) ([]schemas.Element, error) {
	args := m.Called(ctx, selector, selectorType)
	var els []schemas.Element
	if v := args.Get(0); v != nil {
		els = v.([]schemas.Element)
	}
	return els, args.Error(1)
}

func (m *MockDriver) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	return nil
}

// CloseCalls returns how many times Close was invoked.
func (m *MockDriver) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// MockSessionFactory mocks schemas.SessionFactory.
type MockSessionFactory struct {
	mock.Mock
}

func (m *MockSessionFactory) NewSession(ctx context.Context) (schemas.Driver, error) {
	args := m.Called(ctx)
	var d schemas.Driver
	if v := args.Get(0); v != nil {
		d = v.(schemas.Driver)
	}
	return d, args.Error(1)
}

// -- Persistence Mocks --

// MockRunRecorder mocks schemas.RunRecorder.
type MockRunRecorder struct {
	mock.Mock
}

func (m *MockRunRecorder) SaveRun(ctx context.Context, state schemas.RunState) error {
	return m.Called(ctx, state).Error(0)
}

func (m *MockRunRecorder) AppendEvent(ctx context.Context, event schemas.ProgressEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockRunRecorder) GetRun(ctx context.Context, runID string) (schemas.RunState, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(schemas.RunState), args.Error(1)
}

func (m *MockRunRecorder) ListRuns(ctx context.Context, certificateID string, limit int) ([]schemas.RunState, error) {
	args := m.Called(ctx, certificateID, limit)
	var out []schemas.RunState
	if v := args.Get(0); v != nil {
		out = v.([]schemas.RunState)
	}
	return out, args.Error(1)
}

// MockDataSource mocks schemas.DataSource.
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) LoadDataContext(ctx context.Context, propertyID, requesterID int64) (schemas.DataContext, error) {
	args := m.Called(ctx, propertyID, requesterID)
	var dc schemas.DataContext
	if v := args.Get(0); v != nil {
		dc = v.(schemas.DataContext)
	}
	return dc, args.Error(1)
}

// -- Reporter --

// RecordingReporter collects progress events for later inspection.
type RecordingReporter struct {
	mu     sync.Mutex
	events []schemas.ProgressEvent
}

func (r *RecordingReporter) Report(_ context.Context, ev schemas.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the collected events.
func (r *RecordingReporter) Events() []schemas.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.ProgressEvent(nil), r.events...)
}

// Types returns the event types in arrival order.
func (r *RecordingReporter) Types() []schemas.EventType {
	evs := r.Events()
	out := make([]schemas.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
