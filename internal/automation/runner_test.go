// File: internal/automation/runner_test.go
package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/config"
	"github.com/xkilldash9x/certidao-cli/internal/mocks"
	"github.com/xkilldash9x/certidao-cli/internal/registry"
)

const portalURL = "https://portal.example.gov.br/emitir"

func css(sel string) schemas.Target {
	return schemas.Target{Selector: sel, SelectorType: schemas.SelectorCSS}
}

func el(sel string, node int64, text string) schemas.Element {
	return schemas.Element{Selector: sel, SelectorType: schemas.SelectorCSS, NodeID: node, Text: text}
}

func definitionWith(id string, groups []schemas.DataGroup, steps ...schemas.Step) *schemas.CertificateDefinition {
	return &schemas.CertificateDefinition{
		ID:                 id,
		Name:               id,
		Version:            1,
		TargetURL:          portalURL,
		SiteProfile:        schemas.SiteGeneric,
		RequiredDataGroups: groups,
		Steps:              steps,
	}
}

func ownerData(cpf interface{}) schemas.DataContext {
	return schemas.DataContext{
		schemas.GroupOwner:    {"cpf": cpf, "fullName": "Maria da Silva"},
		schemas.GroupProperty: {"city": "São Paulo", "registration": int64(1234567)},
	}
}

type fixture struct {
	runner   *Runner
	driver   *mocks.MockDriver
	factory  *mocks.MockSessionFactory
	reporter *mocks.RecordingReporter
}

func testConfig() config.AutomationConfig {
	return config.AutomationConfig{
		WaitTimeout: time.Second,
		RunTimeout:  5 * time.Second,
	}
}

func newFixture(t *testing.T, cfg config.AutomationConfig, defs ...*schemas.CertificateDefinition) *fixture {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	reg.Seal()

	f := &fixture{
		driver:   new(mocks.MockDriver),
		factory:  new(mocks.MockSessionFactory),
		reporter: new(mocks.RecordingReporter),
	}
	f.factory.On("NewSession", mock.Anything).Return(f.driver, nil).Maybe()

	r, err := New(cfg, reg, f.factory, zaptest.NewLogger(t), WithReporter(f.reporter))
	require.NoError(t, err)
	f.runner = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return f
}

func (f *fixture) navigateOK() {
	f.driver.On("Navigate", mock.Anything, portalURL).Return(nil)
}

func waitForStatus(t *testing.T, r *Runner, runID string, want schemas.RunStatus) schemas.RunState {
	t.Helper()
	var st schemas.RunState
	require.Eventually(t, func() bool {
		var err error
		st, err = r.Status(runID)
		return err == nil && st.Status == want
	}, 3*time.Second, 5*time.Millisecond, "run never reached %s", want)
	return st
}

func waitTerminal(t *testing.T, r *Runner, runID string) schemas.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := r.Wait(ctx, runID)
	require.NoError(t, err)
	require.True(t, st.Status.Terminal())
	return st
}

var ignoreTimes = cmpopts.IgnoreFields(schemas.RunState{}, "RunID", "StartedAt", "UpdatedAt", "FinishedAt")

func TestRun_CaptchaPauseWaitsForResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	def := definitionWith("cnd", []schemas.DataGroup{schemas.GroupOwner},
		schemas.FillStep{Target: css("#cpf"), Input: schemas.Input{From: "owner.cpf"}},
		schemas.CaptchaPauseStep{Message: "Resolva o captcha"},
		schemas.ClickStep{Target: css("#emitir")},
		schemas.ExtractProtocolStep{Target: css("#protocolo")},
	)
	f := newFixture(t, testConfig(), def)
	f.navigateOK()
	cpf := el("#cpf", 11, "")
	btn := el("#emitir", 12, "")
	proto := el("#protocolo", 13, "")
	f.driver.On("FindElement", mock.Anything, "#cpf", schemas.SelectorCSS).Return(cpf, nil)
	f.driver.On("SetValue", mock.Anything, cpf, "111.111.111-11").Return(nil)
	f.driver.On("FindElement", mock.Anything, "#emitir", schemas.SelectorCSS).Return(btn, nil)
	f.driver.On("Click", mock.Anything, btn).Return(nil)
	f.driver.On("FindElement", mock.Anything, "#protocolo", schemas.SelectorCSS).Return(proto, nil)
	f.driver.On("GetText", mock.Anything, proto).Return("Protocolo nº 2024.0001.123-45 registrado", nil)

	id, err := f.runner.Start(context.Background(), "cnd", ownerData("111.111.111-11"), StartOptions{})
	require.NoError(t, err)

	st := waitForStatus(t, f.runner, id, schemas.StatusWaitingForUser)
	assert.Equal(t, 1, st.StepIndex)
	assert.Equal(t, "Resolva o captcha", st.Message)

	// No timer moves the run forward.
	time.Sleep(100 * time.Millisecond)
	st, err = f.runner.Status(id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusWaitingForUser, st.Status)
	f.driver.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)

	require.NoError(t, f.runner.Resume(id))
	final := waitTerminal(t, f.runner, id)

	want := schemas.RunState{
		CertificateID: "cnd",
		StepIndex:     4,
		StepCount:     4,
		Status:        schemas.StatusSucceeded,
		Protocol:      "2024.0001.123-45",
		Message:       "Resolva o captcha",
	}
	if diff := cmp.Diff(want, final, ignoreTimes); diff != "" {
		t.Errorf("final state mismatch (-want +got):\n%s", diff)
	}
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, 1, f.driver.CloseCalls())
	assert.Equal(t, []schemas.EventType{
		schemas.EventStepCompleted,
		schemas.EventWaitingForUser,
		schemas.EventResumed,
		schemas.EventStepCompleted,
		schemas.EventStepCompleted,
		schemas.EventSucceeded,
	}, f.reporter.Types())
	f.driver.AssertExpectations(t)

	require.NoError(t, f.runner.Shutdown(context.Background()))
}

func TestRun_SelectByCity(t *testing.T) {
	options := []schemas.Element{
		el("#cidades li", 21, "SAO PAULO"),
		el("#cidades li", 22, "Rio de Janeiro"),
	}
	def := definitionWith("tj", []schemas.DataGroup{schemas.GroupProperty},
		schemas.SelectByCityStep{Target: css("#cidades li"), CityFrom: "property.city"},
	)

	t.Run("accent and case insensitive match clicks the first match", func(t *testing.T) {
		f := newFixture(t, testConfig(), def)
		f.navigateOK()
		f.driver.On("ListElements", mock.Anything, "#cidades li", schemas.SelectorCSS).Return(options, nil)
		f.driver.On("Click", mock.Anything, options[0]).Return(nil)

		id, err := f.runner.Start(context.Background(), "tj", ownerData("x"), StartOptions{})
		require.NoError(t, err)
		final := waitTerminal(t, f.runner, id)

		assert.Equal(t, schemas.StatusSucceeded, final.Status)
		f.driver.AssertCalled(t, "Click", mock.Anything, options[0])
		f.driver.AssertNotCalled(t, "Click", mock.Anything, options[1])
	})

	t.Run("no matching city", func(t *testing.T) {
		f := newFixture(t, testConfig(), def)
		f.navigateOK()
		f.driver.On("ListElements", mock.Anything, "#cidades li", schemas.SelectorCSS).Return(options, nil)

		data := ownerData("x")
		data[schemas.GroupProperty]["city"] = "Curitiba"
		id, err := f.runner.Start(context.Background(), "tj", data, StartOptions{})
		require.NoError(t, err)
		final := waitTerminal(t, f.runner, id)

		assert.Equal(t, schemas.StatusFailed, final.Status)
		require.NotNil(t, final.LastError)
		assert.Equal(t, schemas.KindNoMatchingOption, final.LastError.Kind)
		assert.Equal(t, 0, final.LastError.StepIndex)
		assert.Equal(t, schemas.ActionSelectByCity, final.LastError.Action)
		f.driver.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
	})
}

func TestRun_FillWithEmptyValueFailsBeforeDriver(t *testing.T) {
	def := definitionWith("cnd", []schemas.DataGroup{schemas.GroupOwner},
		schemas.ClickStep{Target: css("#aceito")},
		schemas.FillStep{Target: css("#cpf"), Input: schemas.Input{From: "owner.cpf"}},
	)
	f := newFixture(t, testConfig(), def)
	f.navigateOK()
	accept := el("#aceito", 5, "")
	f.driver.On("FindElement", mock.Anything, "#aceito", schemas.SelectorCSS).Return(accept, nil)
	f.driver.On("Click", mock.Anything, accept).Return(nil)

	id, err := f.runner.Start(context.Background(), "cnd", ownerData(""), StartOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, f.runner, id)

	assert.Equal(t, schemas.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindMissingData, final.LastError.Kind)
	assert.Equal(t, 1, final.StepIndex)
	assert.Equal(t, "owner.cpf", final.LastError.Path)
	f.driver.AssertNotCalled(t, "FindElement", mock.Anything, "#cpf", schemas.SelectorCSS)
	f.driver.AssertNotCalled(t, "SetValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecStep_FillWithoutInputFailsBeforeDriver(t *testing.T) {
	f := newFixture(t, testConfig())
	rn := &run{driver: f.driver, logger: zaptest.NewLogger(t)}

	for _, in := range []schemas.Input{{}, {Literal: "   "}} {
		err := f.runner.execStep(rn, context.Background(), 0, schemas.FillStep{Target: css("#x"), Input: in})
		assert.ErrorIs(t, err, schemas.ErrMissingData, "input %+v", in)
	}
	f.driver.AssertNotCalled(t, "FindElement", mock.Anything, mock.Anything, mock.Anything)
	f.driver.AssertNotCalled(t, "SetValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_RateLimitWaitBeyondTimeoutIsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PortalRateLimit = 0.01
	cfg.PortalBurst = 1
	def := definitionWith("cnd", nil, schemas.ToastMessageStep{Message: "pronto"})
	f := newFixture(t, cfg, def)
	f.navigateOK()

	first, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusSucceeded, waitTerminal(t, f.runner, first).Status)

	// The next token is 100s away, past the 5s run timeout.
	second, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, f.runner, second)

	assert.Equal(t, schemas.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindTimeout, final.LastError.Kind)
	assert.Equal(t, 0, final.LastError.StepIndex)
	assert.Contains(t, final.LastError.Message, "rate limit")
	f.driver.AssertNumberOfCalls(t, "Navigate", 1)
}

func TestRun_CancelWhileWaitingForUser(t *testing.T) {
	defer goleak.VerifyNone(t)

	def := definitionWith("cnd", nil,
		schemas.CaptchaPauseStep{Message: "captcha"},
		schemas.ClickStep{Target: css("#emitir")},
	)
	f := newFixture(t, testConfig(), def)
	f.navigateOK()

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, f.runner, id, schemas.StatusWaitingForUser)

	require.NoError(t, f.runner.Cancel(id))
	final := waitTerminal(t, f.runner, id)

	assert.Equal(t, schemas.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindCancelled, final.LastError.Kind)
	assert.Equal(t, 0, final.StepIndex)
	assert.Equal(t, 1, f.driver.CloseCalls(), "session released exactly once")

	assert.ErrorIs(t, f.runner.Cancel(id), schemas.ErrInvalidState, "cancelling a finished run")
	assert.ErrorIs(t, f.runner.Resume(id), schemas.ErrInvalidState, "resuming a finished run")
	assert.Equal(t, 1, f.driver.CloseCalls())
	f.driver.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)

	require.NoError(t, f.runner.Shutdown(context.Background()))
}

func TestRun_RestartCreatesFreshState(t *testing.T) {
	def := definitionWith("cnd", nil,
		schemas.CaptchaPauseStep{Message: "captcha"},
	)
	f := newFixture(t, testConfig(), def)
	f.navigateOK()

	first, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, f.runner, first, schemas.StatusWaitingForUser)
	require.NoError(t, f.runner.Cancel(first))
	failed := waitTerminal(t, f.runner, first)
	require.Equal(t, schemas.StatusFailed, failed.Status)

	second, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	st, err := f.runner.Status(second)
	require.NoError(t, err)
	assert.Equal(t, 0, st.StepIndex)
	assert.Nil(t, st.LastError)
	assert.Empty(t, st.Protocol)
	assert.NotEqual(t, schemas.StatusFailed, st.Status)

	old, err := f.runner.Status(first)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusFailed, old.Status, "previous run is untouched")
	assert.Len(t, f.runner.List(), 2)
}

func TestStart_Rejections(t *testing.T) {
	def := definitionWith("cnd", []schemas.DataGroup{schemas.GroupOwner, schemas.GroupUser},
		schemas.ToastMessageStep{Message: "hi"},
	)

	t.Run("unknown certificate", func(t *testing.T) {
		f := newFixture(t, testConfig(), def)
		_, err := f.runner.Start(context.Background(), "nope", nil, StartOptions{})
		assert.ErrorIs(t, err, schemas.ErrNotFound)
	})

	t.Run("missing required group never opens a session", func(t *testing.T) {
		f := newFixture(t, testConfig(), def)
		_, err := f.runner.Start(context.Background(), "cnd", ownerData("1"), StartOptions{})
		require.ErrorIs(t, err, schemas.ErrMissingData)

		var e *schemas.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "user", e.Path)
		f.factory.AssertNotCalled(t, "NewSession", mock.Anything)
	})

	t.Run("session factory failure", func(t *testing.T) {
		reg := registry.New(nil)
		require.NoError(t, reg.Register(def))
		factory := new(mocks.MockSessionFactory)
		factory.On("NewSession", mock.Anything).Return(nil, errors.New("chrome not found"))
		r, err := New(testConfig(), reg, factory, zaptest.NewLogger(t))
		require.NoError(t, err)

		data := ownerData("1")
		data[schemas.GroupUser] = map[string]interface{}{"email": "a@b.c"}
		_, err = r.Start(context.Background(), "cnd", data, StartOptions{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "chrome not found")
		assert.Empty(t, r.List())
	})
}

func TestRunControl_UnknownAndInvalid(t *testing.T) {
	def := definitionWith("cnd", nil, schemas.ToastMessageStep{Message: "hi"})
	f := newFixture(t, testConfig(), def)
	f.navigateOK()

	assert.ErrorIs(t, f.runner.Resume("missing"), schemas.ErrNotFound)
	assert.ErrorIs(t, f.runner.Cancel("missing"), schemas.ErrNotFound)
	_, err := f.runner.Status("missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	_, err = f.runner.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, f.runner, id)
	assert.Equal(t, schemas.StatusSucceeded, final.Status)
	assert.Equal(t, "hi", final.Message)
	assert.ErrorIs(t, f.runner.Resume(id), schemas.ErrInvalidState)
	assert.Contains(t, f.reporter.Types(), schemas.EventToast)
}

func TestRun_NavigationFailure(t *testing.T) {
	def := definitionWith("cnd", nil, schemas.ClickStep{Target: css("#a")})
	f := newFixture(t, testConfig(), def)
	f.driver.On("Navigate", mock.Anything, portalURL).Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, f.runner, id)

	assert.Equal(t, schemas.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindNavigation, final.LastError.Kind)
	assert.Equal(t, 0, final.StepIndex)
	assert.Equal(t, 1, f.driver.CloseCalls())
}

func TestRun_DriverErrorKindsPropagate(t *testing.T) {
	tests := []struct {
		name string
		step schemas.Step
		prep func(d *mocks.MockDriver)
		want schemas.ErrorKind
	}{
		{
			name: "ambiguous click target",
			step: schemas.ClickStep{Target: css(".btn")},
			prep: func(d *mocks.MockDriver) {
				d.On("FindElement", mock.Anything, ".btn", schemas.SelectorCSS).
					Return(schemas.Element{}, schemas.NewError(schemas.KindElementNotInteractable, "2 elements match"))
			},
			want: schemas.KindElementNotInteractable,
		},
		{
			name: "missing element",
			step: schemas.ClickStep{Target: css("#gone")},
			prep: func(d *mocks.MockDriver) {
				d.On("FindElement", mock.Anything, "#gone", schemas.SelectorCSS).
					Return(schemas.Element{}, schemas.NewError(schemas.KindElementNotFound, "no match"))
			},
			want: schemas.KindElementNotFound,
		},
		{
			name: "invalid option",
			step: schemas.SelectStep{Target: css("#tipo"), Option: "Rural"},
			prep: func(d *mocks.MockDriver) {
				e := el("#tipo", 3, "")
				d.On("FindElement", mock.Anything, "#tipo", schemas.SelectorCSS).Return(e, nil)
				d.On("SelectOption", mock.Anything, e, "Rural").Return(schemas.NewError(schemas.KindInvalidOption, "no option Rural"))
			},
			want: schemas.KindInvalidOption,
		},
		{
			name: "wait timeout",
			step: schemas.WaitElementStep{Target: css("#late")},
			prep: func(d *mocks.MockDriver) {
				d.On("WaitFor", mock.Anything, "#late", schemas.SelectorCSS, time.Second).
					Return(schemas.NewError(schemas.KindTimeout, "not visible"))
			},
			want: schemas.KindTimeout,
		},
		{
			name: "raw deadline from driver",
			step: schemas.WaitElementStep{Target: css("#late"), Timeout: 50 * time.Millisecond},
			prep: func(d *mocks.MockDriver) {
				d.On("WaitFor", mock.Anything, "#late", schemas.SelectorCSS, 50*time.Millisecond).
					Return(context.DeadlineExceeded)
			},
			want: schemas.KindTimeout,
		},
		{
			name: "protocol not found",
			step: schemas.ExtractProtocolStep{Target: css("#msg")},
			prep: func(d *mocks.MockDriver) {
				e := el("#msg", 4, "")
				d.On("FindElement", mock.Anything, "#msg", schemas.SelectorCSS).Return(e, nil)
				d.On("GetText", mock.Anything, e).Return("Pedido em processamento", nil)
			},
			want: schemas.KindExtraction,
		},
		{
			name: "unclassified driver failure",
			step: schemas.ClickStep{Target: css("#x")},
			prep: func(d *mocks.MockDriver) {
				e := el("#x", 9, "")
				d.On("FindElement", mock.Anything, "#x", schemas.SelectorCSS).Return(e, nil)
				d.On("Click", mock.Anything, e).Return(errors.New("target closed"))
			},
			want: schemas.KindExecution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := definitionWith("cnd", nil, schemas.ToastMessageStep{Message: "start"}, tt.step)
			f := newFixture(t, testConfig(), def)
			f.navigateOK()
			tt.prep(f.driver)

			id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
			require.NoError(t, err)
			final := waitTerminal(t, f.runner, id)

			assert.Equal(t, schemas.StatusFailed, final.Status)
			require.NotNil(t, final.LastError)
			assert.Equal(t, tt.want, final.LastError.Kind)
			assert.Equal(t, 1, final.LastError.StepIndex)
			assert.Equal(t, tt.step.Kind(), final.LastError.Action)
		})
	}
}

func TestRun_CancelDuringWaitElement(t *testing.T) {
	def := definitionWith("cnd", nil, schemas.WaitElementStep{Target: css("#never"), Timeout: time.Minute})
	f := newFixture(t, testConfig(), def)
	f.navigateOK()
	waiting := make(chan struct{})
	f.driver.On("WaitFor", mock.Anything, "#never", schemas.SelectorCSS, time.Minute).
		Run(func(args mock.Arguments) {
			close(waiting)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled)

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	select {
	case <-waiting:
	case <-time.After(3 * time.Second):
		t.Fatal("driver never started waiting")
	}

	require.NoError(t, f.runner.Cancel(id))
	final := waitTerminal(t, f.runner, id)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindCancelled, final.LastError.Kind)
	assert.Equal(t, schemas.ActionWaitElement, final.LastError.Action)
}

func TestRun_TimeoutWhilePaused(t *testing.T) {
	def := definitionWith("cnd", nil, schemas.CaptchaPauseStep{Message: "captcha"})
	f := newFixture(t, testConfig(), def)
	f.navigateOK()

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{Timeout: 150 * time.Millisecond})
	require.NoError(t, err)
	final := waitTerminal(t, f.runner, id)

	assert.Equal(t, schemas.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, schemas.KindTimeout, final.LastError.Kind)
	assert.Equal(t, schemas.ActionCaptchaPause, final.LastError.Action)
}

func TestRunner_Capacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 1
	def := definitionWith("cnd", nil, schemas.CaptchaPauseStep{Message: "captcha"})
	f := newFixture(t, cfg, def)
	f.navigateOK()

	first, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, f.runner, first, schemas.StatusWaitingForUser)

	_, err = f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	assert.ErrorIs(t, err, schemas.ErrCapacity)

	require.NoError(t, f.runner.Cancel(first))
	waitTerminal(t, f.runner, first)

	require.Eventually(t, func() bool {
		id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
		if err != nil {
			return false
		}
		_ = f.runner.Cancel(id)
		return true
	}, 3*time.Second, 10*time.Millisecond, "slot is released after the run ends")
}

func TestRunner_ShutdownCancelsActiveRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	def := definitionWith("cnd", nil, schemas.CaptchaPauseStep{Message: "captcha"})
	f := newFixture(t, testConfig(), def)
	f.navigateOK()

	id, err := f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, f.runner, id, schemas.StatusWaitingForUser)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(ctx))

	st, err := f.runner.Status(id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusFailed, st.Status)
	assert.Equal(t, schemas.KindCancelled, st.LastError.Kind)

	_, err = f.runner.Start(context.Background(), "cnd", nil, StartOptions{})
	assert.ErrorIs(t, err, schemas.ErrInvalidState)
}

func TestRunner_RecordsTerminalState(t *testing.T) {
	def := definitionWith("cnd", nil, schemas.ToastMessageStep{Message: "hi"})
	reg := registry.New(nil)
	require.NoError(t, reg.Register(def))

	driver := new(mocks.MockDriver)
	driver.On("Navigate", mock.Anything, portalURL).Return(nil)
	factory := new(mocks.MockSessionFactory)
	factory.On("NewSession", mock.Anything).Return(driver, nil)

	recorder := new(mocks.MockRunRecorder)
	recorder.On("AppendEvent", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	recorder.On("SaveRun", mock.Anything, mock.MatchedBy(func(st schemas.RunState) bool {
		return st.Status == schemas.StatusSucceeded && st.CertificateID == "cnd"
	})).Return(nil).Once()

	r, err := New(testConfig(), reg, factory, zaptest.NewLogger(t), WithRecorder(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	id, err := r.Start(context.Background(), "cnd", nil, StartOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, r, id)

	assert.Equal(t, schemas.StatusSucceeded, final.Status, "persistence failures never change the outcome")
	recorder.AssertExpectations(t)
	recorder.AssertNumberOfCalls(t, "AppendEvent", 2)
}

func TestNew_Validation(t *testing.T) {
	reg := registry.New(nil)
	factory := new(mocks.MockSessionFactory)
	logger := zaptest.NewLogger(t)

	_, err := New(testConfig(), nil, factory, logger)
	assert.Error(t, err)
	_, err = New(testConfig(), reg, nil, logger)
	assert.Error(t, err)
	_, err = New(testConfig(), reg, factory, nil)
	assert.Error(t, err)
	_, err = New(config.AutomationConfig{}, reg, factory, logger)
	assert.Error(t, err)
}
