// File: internal/automation/engine.go
package automation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/datapath"
	"github.com/xkilldash9x/certidao-cli/internal/textmatch"
)

// drive executes the navigation and every step of rn in order. It returns
// nil when the sequence is exhausted and the step failure otherwise.
func (r *Runner) drive(rn *run) error {
	if err := r.limiter(rn.def.SiteProfile).Wait(rn.ctx); err != nil {
		if rn.ctx.Err() != nil {
			return rn.interruption()
		}
		// The limiter refuses up front when the reservation outlasts the deadline.
		late := schemas.WrapError(schemas.KindTimeout, err, "portal rate limit wait exceeds run timeout of %s", rn.timeout)
		late.StepIndex = 0
		return late
	}

	// Actions run to completion once started; only suspension points and
	// the gaps between steps observe cancellation.
	actionCtx := context.WithoutCancel(rn.ctx)

	rn.logger.Info("Navigating to portal", zap.String("url", rn.def.TargetURL))
	if err := rn.driver.Navigate(actionCtx, rn.def.TargetURL); err != nil {
		nav := schemas.WrapError(schemas.KindNavigation, err, "could not open %s", rn.def.TargetURL)
		nav.StepIndex = 0
		return nav
	}

	for i, step := range rn.def.Steps {
		if rn.ctx.Err() != nil {
			return rn.interruption().AtStep(i, step.Kind())
		}
		r.setStep(rn, i)

		if err := r.execStep(rn, actionCtx, i, step); err != nil {
			return annotate(err, i, step.Kind())
		}

		if step.Kind() != schemas.ActionToastMessage && step.Kind() != schemas.ActionCaptchaPause {
			r.emit(rn, schemas.EventStepCompleted, i, step.Kind(), step.Note())
		}
	}
	return nil
}

// annotate attaches the failing step to err, keeping its kind. Driver errors
// without a classification become ExecutionError.
func annotate(err error, index int, action schemas.ActionKind) error {
	var e *schemas.Error
	if errors.As(err, &e) {
		return e.AtStep(index, action)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schemas.WrapError(schemas.KindTimeout, err, "operation timed out").AtStep(index, action)
	}
	return schemas.WrapError(schemas.KindExecution, err, "driver failure").AtStep(index, action)
}

func (r *Runner) execStep(rn *run, actx context.Context, index int, step schemas.Step) error {
	d := rn.driver
	switch s := step.(type) {
	case schemas.ClickStep:
		el, err := d.FindElement(actx, s.Target.Selector, s.Target.SelectorType)
		if err != nil {
			return err
		}
		return d.Click(actx, el)

	case schemas.FillStep:
		var value interface{} = s.Input.Literal
		if !s.Input.IsPath() && strings.TrimSpace(s.Input.Literal) == "" {
			return schemas.NewError(schemas.KindMissingData, "fill %s has no input value", s.Target)
		}
		if s.Input.IsPath() {
			v, err := datapath.Resolve(rn.data, s.Input.From)
			if err != nil {
				return err
			}
			value = v
		}
		el, err := d.FindElement(actx, s.Target.Selector, s.Target.SelectorType)
		if err != nil {
			return err
		}
		return d.SetValue(actx, el, value)

	case schemas.SelectStep:
		el, err := d.FindElement(actx, s.Target.Selector, s.Target.SelectorType)
		if err != nil {
			return err
		}
		return d.SelectOption(actx, el, s.Option)

	case schemas.WaitElementStep:
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = r.cfg.WaitTimeout
		}
		err := d.WaitFor(rn.ctx, s.Target.Selector, s.Target.SelectorType, timeout)
		if err != nil && rn.ctx.Err() != nil {
			return rn.interruption()
		}
		if err != nil && schemas.KindOf(err) == schemas.KindExecution && errors.Is(err, context.DeadlineExceeded) {
			return schemas.WrapError(schemas.KindTimeout, err, "%s did not appear within %s", s.Target, timeout)
		}
		return err

	case schemas.SelectByCityStep:
		return r.selectByCity(rn, actx, s)

	case schemas.CaptchaPauseStep:
		return r.pause(rn, index, s)

	case schemas.ExtractProtocolStep:
		protocol, err := extractProtocol(actx, d, s)
		if err != nil {
			return err
		}
		r.update(rn, func(st *schemas.RunState) { st.Protocol = protocol })
		rn.logger.Info("Protocol extracted", zap.String("protocol", protocol))
		return nil

	case schemas.ToastMessageStep:
		r.update(rn, func(st *schemas.RunState) { st.Message = s.Message })
		r.emit(rn, schemas.EventToast, index, s.Kind(), s.Message)
		return nil
	}
	return schemas.NewError(schemas.KindValidation, "unsupported step type %T", step)
}

func (r *Runner) selectByCity(rn *run, actx context.Context, s schemas.SelectByCityStep) error {
	v, err := datapath.Resolve(rn.data, s.CityFrom)
	if err != nil {
		return err
	}
	city := datapath.Format(v)

	els, err := rn.driver.ListElements(actx, s.Target.Selector, s.Target.SelectorType)
	if err != nil {
		return err
	}
	texts := make([]string, len(els))
	for i, el := range els {
		texts[i] = el.Text
	}
	idx := textmatch.Index(city, texts)
	if idx < 0 {
		return schemas.NewError(schemas.KindNoMatchingOption, "no option of %s matches city %q (%d candidates)", s.Target, city, len(els))
	}
	rn.logger.Debug("City matched", zap.String("city", city), zap.String("option", texts[idx]))
	return rn.driver.Click(actx, els[idx])
}

// pause suspends the run until Resume, cancellation or the run timeout.
func (r *Runner) pause(rn *run, index int, s schemas.CaptchaPauseStep) error {
	r.update(rn, func(st *schemas.RunState) {
		st.Status = schemas.StatusWaitingForUser
		st.Message = s.Message
	})
	r.emit(rn, schemas.EventWaitingForUser, index, s.Kind(), s.Message)
	rn.logger.Info("Waiting for operator", zap.Int("step", index))

	select {
	case <-rn.resume:
		// Resume already switched the status back to Running.
		r.emit(rn, schemas.EventResumed, index, s.Kind(), "")
		return nil
	case <-rn.ctx.Done():
		return rn.interruption()
	}
}

func extractProtocol(ctx context.Context, d schemas.Driver, s schemas.ExtractProtocolStep) (string, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = schemas.DefaultProtocolPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", schemas.WrapError(schemas.KindExtraction, err, "invalid protocol pattern")
	}

	el, err := d.FindElement(ctx, s.Target.Selector, s.Target.SelectorType)
	if err != nil {
		return "", err
	}
	text, err := d.GetText(ctx, el)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", schemas.NewError(schemas.KindExtraction, "%s is empty", s.Target)
	}
	found := re.FindString(text)
	if found == "" {
		return "", schemas.NewError(schemas.KindExtraction, "no protocol matching %s in %s", pattern, quoteShort(text))
	}
	return found, nil
}

func quoteShort(s string) string {
	const limit = 80
	if r := []rune(s); len(r) > limit {
		s = string(r[:limit]) + "..."
	}
	return fmt.Sprintf("%q", s)
}
