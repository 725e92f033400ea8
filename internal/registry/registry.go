// File: internal/registry/registry.go

// Package registry holds the validated certificate definitions available to
// the runner. It is populated at startup and read-only afterwards.
package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/datapath"
)

// Registry maps certificate ids to definitions.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*schemas.CertificateDefinition
	sealed bool
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defs:   make(map[string]*schemas.CertificateDefinition),
		logger: logger.Named("registry"),
	}
}

// Register validates def and adds it under def.ID.
func (r *Registry) Register(def *schemas.CertificateDefinition) error {
	if def == nil {
		return schemas.NewError(schemas.KindValidation, "definition cannot be nil")
	}
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return schemas.NewError(schemas.KindValidation, "registry sealed: cannot register %q", def.ID)
	}
	if _, exists := r.defs[def.ID]; exists {
		return schemas.NewError(schemas.KindValidation, "definition %q is already registered", def.ID)
	}
	r.defs[def.ID] = def
	r.logger.Debug("Definition registered",
		zap.String("certificate_id", def.ID),
		zap.String("site_profile", string(def.SiteProfile)),
		zap.Int("steps", len(def.Steps)))
	return nil
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (*schemas.CertificateDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, schemas.NewError(schemas.KindNotFound, "certificate definition %q not found", id)
	}
	return def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*schemas.CertificateDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schemas.CertificateDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Seal makes the registry reject further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Reset drops every definition and unseals the registry. Tests only.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.defs = make(map[string]*schemas.CertificateDefinition)
	r.sealed = false
	r.mu.Unlock()
}

var cityFields = map[string]bool{
	"city":      true,
	"cidade":    true,
	"municipio": true,
	"município": true,
}

func isCityField(field string) bool {
	return cityFields[strings.ToLower(field)] ||
		strings.HasSuffix(field, "City") ||
		strings.HasSuffix(strings.ToLower(field), "_city")
}

// Validate checks a definition against the registration rules without
// registering it. All problems are reported in a single ValidationError.
func Validate(def *schemas.CertificateDefinition) error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(def.ID) == "" {
		addf("id is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		addf("name is required")
	}
	if u, err := url.Parse(def.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		addf("targetUrl %q must be an absolute http(s) URL", def.TargetURL)
	}
	if !def.SiteProfile.Valid() {
		addf("unknown site profile %q", def.SiteProfile)
	}
	for _, g := range def.RequiredDataGroups {
		if !g.Valid() {
			addf("unknown data group %q", g)
		}
	}
	if len(def.Steps) == 0 {
		addf("at least one step is required")
	}

	for i, step := range def.Steps {
		if step == nil {
			addf("step %d: missing", i)
			continue
		}
		kind := step.Kind()
		if target, ok := schemas.StepTarget(step); ok {
			if strings.TrimSpace(target.Selector) == "" {
				addf("step %d (%s): selector is required", i, kind)
			}
			if !target.SelectorType.Valid() {
				addf("step %d (%s): unknown selector type %q", i, kind, target.SelectorType)
			}
		}
		for _, p := range schemas.StepPaths(step) {
			group, _, err := datapath.Split(p)
			if err != nil {
				addf("step %d (%s): malformed data path %q", i, kind, p)
				continue
			}
			if !def.Requires(group) {
				addf("step %d (%s): path %q uses group %q which is not in requiredDataGroups", i, kind, p, group)
			}
		}

		switch s := step.(type) {
		case schemas.SelectByCityStep:
			if s.CityFrom == "" {
				addf("step %d (%s): cityFrom is required", i, kind)
			} else if _, field, err := datapath.Split(s.CityFrom); err == nil && !isCityField(field) {
				addf("step %d (%s): field %q of %q is not a city field", i, kind, field, s.CityFrom)
			}
		case schemas.ExtractProtocolStep:
			if s.Pattern != "" {
				if _, err := regexp.Compile(s.Pattern); err != nil {
					addf("step %d (%s): pattern does not compile: %v", i, kind, err)
				}
			}
		case schemas.SelectStep:
			if s.Option == "" {
				addf("step %d (%s): option is required", i, kind)
			}
		case schemas.FillStep:
			if s.Input.IsPath() && s.Input.Literal != "" {
				addf("step %d (%s): value and valueFrom are mutually exclusive", i, kind)
			} else if !s.Input.IsPath() && strings.TrimSpace(s.Input.Literal) == "" {
				addf("step %d (%s): value or valueFrom is required", i, kind)
			}
		}
	}

	if len(problems) > 0 {
		return schemas.NewError(schemas.KindValidation, "definition %q: %s", def.ID, strings.Join(problems, "; "))
	}
	return nil
}
