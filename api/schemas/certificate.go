// File: api/schemas/certificate.go
package schemas

import (
	"fmt"
	"time"
)

// ActionKind names one verb of the step vocabulary.
type ActionKind string

const (
	ActionClick           ActionKind = "click"
	ActionFill            ActionKind = "fill"
	ActionSelect          ActionKind = "select"
	ActionWaitElement     ActionKind = "waitElement"
	ActionCaptchaPause    ActionKind = "captchaPause"
	ActionExtractProtocol ActionKind = "extractProtocol"
	ActionSelectByCity    ActionKind = "selectByCity"
	ActionToastMessage    ActionKind = "toastMessage"
)

// KnownActions lists the full step vocabulary in a stable order.
var KnownActions = []ActionKind{
	ActionClick,
	ActionFill,
	ActionSelect,
	ActionWaitElement,
	ActionCaptchaPause,
	ActionExtractProtocol,
	ActionSelectByCity,
	ActionToastMessage,
}

// SelectorType tells the driver how to interpret a selector string.
type SelectorType string

const (
	SelectorCSS   SelectorType = "css"
	SelectorXPath SelectorType = "xpath"
)

// Valid reports whether the selector type is supported.
func (t SelectorType) Valid() bool {
	return t == SelectorCSS || t == SelectorXPath
}

// SiteProfile identifies the government portal a definition targets.
type SiteProfile string

const (
	SiteReceitaFederal SiteProfile = "receita-federal"
	SiteTST            SiteProfile = "tst"
	SiteTJSP           SiteProfile = "tjsp"
	SitePrefeituraSP   SiteProfile = "prefeitura-sp"
	SiteGeneric        SiteProfile = "generic"
)

// Valid reports whether the profile is one of the known portals.
func (p SiteProfile) Valid() bool {
	switch p {
	case SiteReceitaFederal, SiteTST, SiteTJSP, SitePrefeituraSP, SiteGeneric:
		return true
	}
	return false
}

// DataGroup is a top-level key of a DataContext.
type DataGroup string

const (
	GroupOwner    DataGroup = "owner"
	GroupProperty DataGroup = "property"
	GroupUser     DataGroup = "user"
)

// Valid reports whether the group is one of the known record groups.
func (g DataGroup) Valid() bool {
	return g == GroupOwner || g == GroupProperty || g == GroupUser
}

// Target locates the element(s) a step acts on.
type Target struct {
	Selector     string       `json:"selector" yaml:"selector"`
	SelectorType SelectorType `json:"selectorType" yaml:"selectorType"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s(%s)", t.SelectorType, t.Selector)
}

// Input is the value source of a fill step: either a literal or a data path.
// The decoder guarantees that exactly one of the two is set.
type Input struct {
	Literal string `json:"value,omitempty" yaml:"value,omitempty"`
	From    string `json:"valueFrom,omitempty" yaml:"valueFrom,omitempty"`
}

// IsPath reports whether the value comes from the data context.
func (in Input) IsPath() bool { return in.From != "" }

// Step is one declarative browser action. The concrete types below form a
// closed set; each carries exactly the fields its action needs.
type Step interface {
	Kind() ActionKind
	// Note is the optional user-facing status text of the step.
	Note() string
}

// ClickStep clicks exactly one interactable element.
type ClickStep struct {
	Target  Target
	Message string
}

// FillStep sets the value of an input element.
type FillStep struct {
	Target  Target
	Input   Input
	Message string
}

// SelectStep picks an option of a choice control by value or visible text.
type SelectStep struct {
	Target  Target
	Option  string
	Message string
}

// WaitElementStep blocks until the selector appears or the timeout elapses.
// A zero Timeout means the configured default.
type WaitElementStep struct {
	Target  Target
	Timeout time.Duration
	Message string
}

// SelectByCityStep matches a city name against the visible text of a
// collection of choice elements and clicks the match.
type SelectByCityStep struct {
	Target   Target
	CityFrom string
	Message  string
}

// CaptchaPauseStep suspends the run until an operator resumes it.
type CaptchaPauseStep struct {
	Message string
}

// ExtractProtocolStep reads the protocol/receipt identifier from an element.
// An empty Pattern means DefaultProtocolPattern.
type ExtractProtocolStep struct {
	Target  Target
	Pattern string
	Message string
}

// ToastMessageStep emits a progress notification without touching the page.
type ToastMessageStep struct {
	Message string
}

// DefaultProtocolPattern matches protocol numbers such as "2024.0001.123-45".
const DefaultProtocolPattern = `\d[\d./-]{3,}\d`

func (ClickStep) Kind() ActionKind           { return ActionClick }
func (FillStep) Kind() ActionKind            { return ActionFill }
func (SelectStep) Kind() ActionKind          { return ActionSelect }
func (WaitElementStep) Kind() ActionKind     { return ActionWaitElement }
func (SelectByCityStep) Kind() ActionKind    { return ActionSelectByCity }
func (CaptchaPauseStep) Kind() ActionKind    { return ActionCaptchaPause }
func (ExtractProtocolStep) Kind() ActionKind { return ActionExtractProtocol }
func (ToastMessageStep) Kind() ActionKind    { return ActionToastMessage }

func (s ClickStep) Note() string           { return s.Message }
func (s FillStep) Note() string            { return s.Message }
func (s SelectStep) Note() string          { return s.Message }
func (s WaitElementStep) Note() string     { return s.Message }
func (s SelectByCityStep) Note() string    { return s.Message }
func (s CaptchaPauseStep) Note() string    { return s.Message }
func (s ExtractProtocolStep) Note() string { return s.Message }
func (s ToastMessageStep) Note() string    { return s.Message }

// StepTarget returns the element target of a step, if it has one.
func StepTarget(s Step) (Target, bool) {
	switch v := s.(type) {
	case ClickStep:
		return v.Target, true
	case FillStep:
		return v.Target, true
	case SelectStep:
		return v.Target, true
	case WaitElementStep:
		return v.Target, true
	case SelectByCityStep:
		return v.Target, true
	case ExtractProtocolStep:
		return v.Target, true
	}
	return Target{}, false
}

// StepPaths returns the data paths a step reads from the context.
func StepPaths(s Step) []string {
	switch v := s.(type) {
	case FillStep:
		if v.Input.IsPath() {
			return []string{v.Input.From}
		}
	case SelectByCityStep:
		if v.CityFrom != "" {
			return []string{v.CityFrom}
		}
	}
	return nil
}

// CertificateDefinition describes how to request one certificate type on one portal.
type CertificateDefinition struct {
	ID                 string
	Name               string
	Description        string
	Version            int
	TargetURL          string
	SiteProfile        SiteProfile
	RequiredDataGroups []DataGroup
	Steps              []Step
}

// Requires reports whether the definition declares the given data group.
func (d *CertificateDefinition) Requires(g DataGroup) bool {
	for _, rg := range d.RequiredDataGroups {
		if rg == g {
			return true
		}
	}
	return false
}

// CertificateSummary is the listing view of a definition.
type CertificateSummary struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Version            int          `json:"version"`
	TargetURL          string       `json:"targetUrl"`
	SiteProfile        SiteProfile  `json:"siteProfile"`
	RequiredDataGroups []DataGroup  `json:"requiredDataGroups"`
	StepCount          int          `json:"stepCount"`
	Actions            []ActionKind `json:"actions"`
}

// Summary builds the listing view of the definition.
func (d *CertificateDefinition) Summary() CertificateSummary {
	actions := make([]ActionKind, len(d.Steps))
	for i, s := range d.Steps {
		actions[i] = s.Kind()
	}
	return CertificateSummary{
		ID:                 d.ID,
		Name:               d.Name,
		Description:        d.Description,
		Version:            d.Version,
		TargetURL:          d.TargetURL,
		SiteProfile:        d.SiteProfile,
		RequiredDataGroups: append(make([]DataGroup, 0, len(d.RequiredDataGroups)), d.RequiredDataGroups...),
		StepCount:          len(d.Steps),
		Actions:            actions,
	}
}

// DataContext is the per-run record set keyed by group name, each group a
// flat record of typed fields. It is never mutated during a run.
type DataContext map[DataGroup]map[string]interface{}

// Clone returns a copy that shares no maps with the receiver.
func (dc DataContext) Clone() DataContext {
	if dc == nil {
		return nil
	}
	out := make(DataContext, len(dc))
	for g, rec := range dc {
		cp := make(map[string]interface{}, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out[g] = cp
	}
	return out
}
