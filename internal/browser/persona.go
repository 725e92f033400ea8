// File: internal/browser/persona.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/internal/config"
)

// evasionsScript hides the automation flag some portals refuse to serve.
const evasionsScript = `Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined, configurable: true });`

// Persona is the locale and identity a session presents to portals.
type Persona struct {
	UserAgent string
	Locale    string
	Timezone  string
}

func personaFrom(cfg config.BrowserConfig) Persona {
	return Persona{UserAgent: cfg.UserAgent, Locale: cfg.Locale, Timezone: cfg.Timezone}
}

// acceptLanguage builds the header value for a locale, with the base
// language as a weighted fallback: "pt-BR" gives "pt-BR,pt;q=0.9".
func (p Persona) acceptLanguage() string {
	loc := strings.TrimSpace(p.Locale)
	if loc == "" {
		return ""
	}
	base, _, found := strings.Cut(loc, "-")
	if !found || base == "" {
		return loc
	}
	return fmt.Sprintf("%s,%s;q=0.9", loc, base)
}

// applyPersona returns the actions that configure a fresh tab. Empty
// persona fields leave the browser default in place.
func applyPersona(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone))

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(p.UserAgent).WithAcceptLanguage(p.acceptLanguage()))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks,
			emulation.SetLocaleOverride().WithLocale(p.Locale),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": p.acceptLanguage()}),
		)
	}
	return tasks
}
