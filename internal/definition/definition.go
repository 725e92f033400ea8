// File: internal/definition/definition.go

// Package definition decodes certificate definition documents (YAML) into
// the typed step model and ships the built-in portal definitions.
package definition

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/datapath"
)

//go:embed schema.json
var schemaDocument string

const schemaURL = "https://certidao.schemas.local/definition.schema.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaDocument)); err != nil {
			schemaErr = fmt.Errorf("definition schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("definition schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

type document struct {
	ID                 string     `yaml:"id"`
	Name               string     `yaml:"name"`
	Description        string     `yaml:"description"`
	Version            int        `yaml:"version"`
	TargetURL          string     `yaml:"targetUrl"`
	SiteProfile        string     `yaml:"siteProfile"`
	RequiredDataGroups []string   `yaml:"requiredDataGroups"`
	Steps              []stepNode `yaml:"steps"`
}

type stepNode struct {
	Action       string      `yaml:"action"`
	Selector     string      `yaml:"selector"`
	SelectorType string      `yaml:"selectorType"`
	Value        interface{} `yaml:"value"`
	ValueFrom    string      `yaml:"valueFrom"`
	Option       string      `yaml:"option"`
	Timeout      interface{} `yaml:"timeout"`
	CityFrom     string      `yaml:"cityFrom"`
	Pattern      string      `yaml:"pattern"`
	Message      string      `yaml:"message"`
}

// Parse decodes a single definition document. source names the document in
// error messages. Structural problems are reported as ValidationError;
// semantic checks (data groups, city fields, patterns) belong to the registry.
func Parse(data []byte, source string) (*schemas.CertificateDefinition, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schemas.WrapError(schemas.KindValidation, err, "%s: invalid YAML", source)
	}
	if raw == nil {
		return nil, schemas.NewError(schemas.KindValidation, "%s: empty document", source)
	}
	if err := validateDocument(raw); err != nil {
		return nil, schemas.WrapError(schemas.KindValidation, err, "%s: does not match the definition schema", source)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, schemas.WrapError(schemas.KindValidation, err, "%s: decode failed", source)
	}
	def, err := doc.build()
	if err != nil {
		return nil, schemas.WrapError(schemas.KindValidation, err, "%s", source)
	}
	return def, nil
}

// validateDocument runs the JSON schema over the decoded YAML tree. The tree
// is round-tripped through JSON so numbers reach the validator as json.Number.
func validateDocument(raw interface{}) error {
	sch, err := documentSchema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("document is not representable as JSON: %w", err)
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return sch.Validate(v)
}

func (d document) build() (*schemas.CertificateDefinition, error) {
	def := &schemas.CertificateDefinition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		TargetURL:   d.TargetURL,
		SiteProfile: schemas.SiteProfile(d.SiteProfile),
		Steps:       make([]schemas.Step, 0, len(d.Steps)),
	}
	if def.Version == 0 {
		def.Version = 1
	}
	for _, g := range d.RequiredDataGroups {
		def.RequiredDataGroups = append(def.RequiredDataGroups, schemas.DataGroup(g))
	}
	for i, n := range d.Steps {
		step, err := n.build()
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, n.Action, err)
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (n stepNode) target() schemas.Target {
	t := schemas.Target{Selector: strings.TrimSpace(n.Selector), SelectorType: schemas.SelectorType(n.SelectorType)}
	if t.SelectorType == "" {
		t.SelectorType = schemas.SelectorCSS
	}
	return t
}

func (n stepNode) build() (schemas.Step, error) {
	switch schemas.ActionKind(n.Action) {
	case schemas.ActionClick:
		return schemas.ClickStep{Target: n.target(), Message: n.Message}, nil
	case schemas.ActionFill:
		hasValue, hasPath := n.Value != nil, n.ValueFrom != ""
		if hasValue == hasPath {
			return nil, errors.New("exactly one of value or valueFrom must be set")
		}
		in := schemas.Input{From: strings.TrimSpace(n.ValueFrom)}
		if hasValue {
			in.Literal = datapath.Format(n.Value)
			if strings.TrimSpace(in.Literal) == "" {
				return nil, errors.New("value must not be empty")
			}
		}
		return schemas.FillStep{Target: n.target(), Input: in, Message: n.Message}, nil
	case schemas.ActionSelect:
		return schemas.SelectStep{Target: n.target(), Option: n.Option, Message: n.Message}, nil
	case schemas.ActionWaitElement:
		timeout, err := parseTimeout(n.Timeout)
		if err != nil {
			return nil, err
		}
		return schemas.WaitElementStep{Target: n.target(), Timeout: timeout, Message: n.Message}, nil
	case schemas.ActionSelectByCity:
		return schemas.SelectByCityStep{Target: n.target(), CityFrom: strings.TrimSpace(n.CityFrom), Message: n.Message}, nil
	case schemas.ActionCaptchaPause:
		return schemas.CaptchaPauseStep{Message: n.Message}, nil
	case schemas.ActionExtractProtocol:
		return schemas.ExtractProtocolStep{Target: n.target(), Pattern: n.Pattern, Message: n.Message}, nil
	case schemas.ActionToastMessage:
		return schemas.ToastMessageStep{Message: n.Message}, nil
	}
	return nil, fmt.Errorf("unknown action %q", n.Action)
}

// parseTimeout accepts a Go duration string ("15s") or an integer number of
// milliseconds. Absent means zero, i.e. the configured default.
func parseTimeout(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative timeout %d", t)
		}
		return time.Duration(t) * time.Millisecond, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", t, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("negative timeout %q", t)
		}
		return d, nil
	}
	return 0, fmt.Errorf("unsupported timeout value %v", v)
}
