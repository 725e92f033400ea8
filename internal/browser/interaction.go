// File: internal/browser/interaction.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/datapath"
)

// Scripts run with `this` bound to the resolved element.
const (
	stateScript = `function() {
	if (!this.isConnected) return "detached";
	const style = window.getComputedStyle(this);
	const rect = this.getBoundingClientRect();
	if (style.display === "none" || style.visibility === "hidden" || (rect.width === 0 && rect.height === 0)) return "hidden";
	if (this.disabled) return "disabled";
	if (this.readOnly) return "readonly";
	return "ok";
}`

	clearScript = `function() {
	this.focus();
	this.value = "";
	this.dispatchEvent(new Event("input", {bubbles: true}));
}`

	changeScript = `function() {
	this.dispatchEvent(new Event("change", {bubbles: true}));
}`

	selectScript = `function(want) {
	if (!(this instanceof HTMLSelectElement)) return "not-select";
	const options = Array.from(this.options);
	let match = options.find(o => o.value === want);
	if (!match) match = options.find(o => o.text.trim() === want.trim());
	if (!match) return "missing";
	this.value = match.value;
	match.selected = true;
	this.dispatchEvent(new Event("input", {bubbles: true}));
	this.dispatchEvent(new Event("change", {bubbles: true}));
	return "ok";
}`

	// Options of a collapsed select have no box of their own; choosing one
	// goes through the owning select.
	optionScript = `function() {
	if (!(this instanceof HTMLOptionElement)) return "not-option";
	if (!this.isConnected) return "detached";
	const sel = this.closest("select");
	if (!sel) return "hidden";
	const style = window.getComputedStyle(sel);
	const rect = sel.getBoundingClientRect();
	if (style.display === "none" || style.visibility === "hidden" || (rect.width === 0 && rect.height === 0)) return "hidden";
	if (sel.disabled || this.disabled) return "disabled";
	sel.value = this.value;
	this.selected = true;
	sel.dispatchEvent(new Event("input", {bubbles: true}));
	sel.dispatchEvent(new Event("change", {bubbles: true}));
	return "ok";
}`

	textScript = `function() {
	if (this instanceof HTMLInputElement || this instanceof HTMLTextAreaElement || this instanceof HTMLSelectElement) return this.value;
	return (this.innerText || this.textContent || "").trim();
}`
)

func queryBy(t schemas.SelectorType) chromedp.QueryOption {
	if t == schemas.SelectorXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQueryAll
}

func targetOf(selector string, t schemas.SelectorType) schemas.Target {
	return schemas.Target{Selector: selector, SelectorType: t}
}

func (s *Session) queryNodes(ctx context.Context, selector string, t schemas.SelectorType) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	err := s.RunActions(ctx, s.browserCfg.ActionTimeout,
		chromedp.Nodes(selector, &nodes, queryBy(t), chromedp.AtLeast(0)))
	if err != nil {
		return nil, classify(err, fmt.Sprintf("query %s", targetOf(selector, t)))
	}
	return nodes, nil
}

// FindElement resolves selector to exactly one element.
func (s *Session) FindElement(ctx context.Context, selector string, t schemas.SelectorType) (schemas.Element, error) {
	nodes, err := s.queryNodes(ctx, selector, t)
	if err != nil {
		return schemas.Element{}, err
	}
	target := targetOf(selector, t)
	switch len(nodes) {
	case 0:
		return schemas.Element{}, schemas.NewError(schemas.KindElementNotFound, "no element matches %s", target)
	case 1:
		return schemas.Element{Selector: selector, SelectorType: t, NodeID: int64(nodes[0].NodeID)}, nil
	default:
		return schemas.Element{}, schemas.NewError(schemas.KindElementNotInteractable, "%s matches %d elements", target, len(nodes))
	}
}

// ListElements returns every element matching selector together with its
// visible text, in document order.
func (s *Session) ListElements(ctx context.Context, selector string, t schemas.SelectorType) ([]schemas.Element, error) {
	nodes, err := s.queryNodes(ctx, selector, t)
	if err != nil {
		return nil, err
	}
	out := make([]schemas.Element, 0, len(nodes))
	for _, n := range nodes {
		el := schemas.Element{Selector: selector, SelectorType: t, NodeID: int64(n.NodeID)}
		text, err := s.GetText(ctx, el)
		if err != nil {
			return nil, err
		}
		el.Text = text
		out = append(out, el)
	}
	return out, nil
}

// callOn runs fn with `this` bound to el.
func (s *Session) callOn(ctx context.Context, el schemas.Element, fn string, res interface{}, args ...interface{}) error {
	id := cdp.NodeID(el.NodeID)
	return s.RunActions(ctx, s.browserCfg.ActionTimeout, chromedp.ActionFunc(func(c context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(id).Do(c)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(c) }()

		return chromedp.CallFunctionOn(fn, res, func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(obj.ObjectID)
		}, args...).Do(c)
	}))
}

// ensureInteractable rejects hidden, disabled and detached elements, and
// read-only ones when the action writes a value.
func (s *Session) ensureInteractable(ctx context.Context, el schemas.Element, action string, writes bool) error {
	var state string
	if err := s.callOn(ctx, el, stateScript, &state); err != nil {
		return classify(err, action)
	}
	switch state {
	case "ok":
		return nil
	case "readonly":
		if !writes {
			return nil
		}
	case "detached":
		return schemas.NewError(schemas.KindElementNotFound, "%s: %s is no longer attached", action, targetOf(el.Selector, el.SelectorType))
	}
	return schemas.NewError(schemas.KindElementNotInteractable, "%s: %s is %s", action, targetOf(el.Selector, el.SelectorType), state)
}

// Click clicks el once. An option element is chosen in its select instead.
func (s *Session) Click(ctx context.Context, el schemas.Element) error {
	if handled, err := s.chooseOption(ctx, el); handled || err != nil {
		return err
	}
	if err := s.ensureInteractable(ctx, el, "click", false); err != nil {
		return err
	}
	ids := []cdp.NodeID{cdp.NodeID(el.NodeID)}
	if err := s.RunActions(ctx, s.browserCfg.ActionTimeout, chromedp.Click(ids, chromedp.ByNodeID)); err != nil {
		return classify(err, "click")
	}
	return nil
}

// chooseOption selects el in its owning select when el is an option. It
// reports false for any other element.
func (s *Session) chooseOption(ctx context.Context, el schemas.Element) (bool, error) {
	var state string
	if err := s.callOn(ctx, el, optionScript, &state); err != nil {
		return false, classify(err, "click")
	}
	target := targetOf(el.Selector, el.SelectorType)
	switch state {
	case "not-option":
		return false, nil
	case "ok":
		return true, nil
	case "detached":
		return true, schemas.NewError(schemas.KindElementNotFound, "click: %s is no longer attached", target)
	default:
		return true, schemas.NewError(schemas.KindElementNotInteractable, "click: option %s is %s", target, state)
	}
}

// SetValue clears el and types the stringified value as keystrokes, so
// masked inputs apply their formatting.
func (s *Session) SetValue(ctx context.Context, el schemas.Element, value interface{}) error {
	if err := s.ensureInteractable(ctx, el, "fill", true); err != nil {
		return err
	}
	text := datapath.Format(value)
	s.logger.Debug("Filling element", zap.String("selector", el.Selector), zap.Int("text_length", len(text)))

	if err := s.callOn(ctx, el, clearScript, nil); err != nil {
		return classify(err, "fill")
	}
	ids := []cdp.NodeID{cdp.NodeID(el.NodeID)}
	if err := s.RunActions(ctx, s.browserCfg.ActionTimeout, chromedp.SendKeys(ids, text, chromedp.ByNodeID)); err != nil {
		return classify(err, "fill")
	}
	if err := s.callOn(ctx, el, changeScript, nil); err != nil {
		return classify(err, "fill")
	}
	return nil
}

// SelectOption picks the option whose value equals value, falling back to
// the option whose visible text does.
func (s *Session) SelectOption(ctx context.Context, el schemas.Element, value string) error {
	if err := s.ensureInteractable(ctx, el, "select", false); err != nil {
		return err
	}
	var result string
	if err := s.callOn(ctx, el, selectScript, &result, value); err != nil {
		return classify(err, "select")
	}
	switch result {
	case "ok":
		return nil
	case "missing":
		return schemas.NewError(schemas.KindInvalidOption, "%s has no option %q", targetOf(el.Selector, el.SelectorType), value)
	default:
		return schemas.NewError(schemas.KindElementNotInteractable, "%s is not a select element", targetOf(el.Selector, el.SelectorType))
	}
}

// WaitFor blocks until selector matches a visible element or timeout elapses.
func (s *Session) WaitFor(ctx context.Context, selector string, t schemas.SelectorType, timeout time.Duration) error {
	by := chromedp.ByQuery
	if t == schemas.SelectorXPath {
		by = chromedp.BySearch
	}
	err := s.RunActions(ctx, timeout, chromedp.WaitVisible(selector, by))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return schemas.WrapError(schemas.KindTimeout, err, "%s did not appear within %s", targetOf(selector, t), timeout)
	}
	return classify(err, "wait")
}

// GetText returns the value of form fields and the rendered text of anything else.
func (s *Session) GetText(ctx context.Context, el schemas.Element) (string, error) {
	var text string
	if err := s.callOn(ctx, el, textScript, &text); err != nil {
		return "", classify(err, "read text")
	}
	return text, nil
}
