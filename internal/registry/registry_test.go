// File: internal/registry/registry_test.go
package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/definition"
)

func css(sel string) schemas.Target {
	return schemas.Target{Selector: sel, SelectorType: schemas.SelectorCSS}
}

func validDefinition(id string) *schemas.CertificateDefinition {
	return &schemas.CertificateDefinition{
		ID:                 id,
		Name:               "Test " + id,
		Version:            1,
		TargetURL:          "https://portal.example.gov.br/emitir",
		SiteProfile:        schemas.SiteGeneric,
		RequiredDataGroups: []schemas.DataGroup{schemas.GroupOwner, schemas.GroupProperty},
		Steps: []schemas.Step{
			schemas.FillStep{Target: css("#cpf"), Input: schemas.Input{From: "owner.cpf"}},
			schemas.SelectByCityStep{Target: css("#cities li"), CityFrom: "property.city"},
			schemas.CaptchaPauseStep{Message: "solve"},
			schemas.ExtractProtocolStep{Target: css("#proto")},
		},
	}
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	require.NoError(t, r.Register(validDefinition("b-cert")))
	require.NoError(t, r.Register(validDefinition("a-cert")))

	def, err := r.Get("a-cert")
	require.NoError(t, err)
	assert.Equal(t, "a-cert", def.ID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-cert", list[0].ID)
	assert.Equal(t, "b-cert", list[1].ID)
}

func TestRegistry_DuplicateAndSeal(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(validDefinition("dup")))

	err := r.Register(validDefinition("dup"))
	assert.ErrorIs(t, err, schemas.ErrValidation)
	assert.Contains(t, err.Error(), "already registered")

	r.Seal()
	err = r.Register(validDefinition("late"))
	assert.ErrorIs(t, err, schemas.ErrValidation)
	assert.Contains(t, err.Error(), "sealed")

	r.Reset()
	assert.Empty(t, r.List())
	assert.NoError(t, r.Register(validDefinition("late")), "reset unseals")
}

func TestRegister_ValidationRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *schemas.CertificateDefinition)
		want   string
	}{
		{"empty id", func(d *schemas.CertificateDefinition) { d.ID = "" }, "id is required"},
		{"relative url", func(d *schemas.CertificateDefinition) { d.TargetURL = "/emitir" }, "absolute http(s) URL"},
		{"ftp url", func(d *schemas.CertificateDefinition) { d.TargetURL = "ftp://host/x" }, "absolute http(s) URL"},
		{"unknown profile", func(d *schemas.CertificateDefinition) { d.SiteProfile = "detran" }, "unknown site profile"},
		{"undeclared group", func(d *schemas.CertificateDefinition) {
			d.Steps = append(d.Steps, schemas.FillStep{Target: css("#mail"), Input: schemas.Input{From: "user.email"}})
		}, `group "user" which is not in requiredDataGroups`},
		{"city path in undeclared group", func(d *schemas.CertificateDefinition) {
			d.RequiredDataGroups = []schemas.DataGroup{schemas.GroupOwner}
		}, `group "property"`},
		{"city step without path", func(d *schemas.CertificateDefinition) {
			d.Steps[1] = schemas.SelectByCityStep{Target: css("#cities li")}
		}, "cityFrom is required"},
		{"city step on non-city field", func(d *schemas.CertificateDefinition) {
			d.Steps[1] = schemas.SelectByCityStep{Target: css("#cities li"), CityFrom: "property.registration"}
		}, "is not a city field"},
		{"fill without input", func(d *schemas.CertificateDefinition) {
			d.Steps = append(d.Steps, schemas.FillStep{Target: css("#x")})
		}, "value or valueFrom is required"},
		{"fill with blank literal", func(d *schemas.CertificateDefinition) {
			d.Steps = append(d.Steps, schemas.FillStep{Target: css("#x"), Input: schemas.Input{Literal: "  "}})
		}, "value or valueFrom is required"},
		{"missing selector", func(d *schemas.CertificateDefinition) {
			d.Steps = append(d.Steps, schemas.ClickStep{Target: schemas.Target{SelectorType: schemas.SelectorCSS}})
		}, "selector is required"},
		{"unknown selector type", func(d *schemas.CertificateDefinition) {
			d.Steps = append(d.Steps, schemas.ClickStep{Target: schemas.Target{Selector: "#a", SelectorType: "jquery"}})
		}, "unknown selector type"},
		{"bad pattern", func(d *schemas.CertificateDefinition) {
			d.Steps[3] = schemas.ExtractProtocolStep{Target: css("#proto"), Pattern: "([0-9"}
		}, "pattern does not compile"},
		{"no steps", func(d *schemas.CertificateDefinition) { d.Steps = nil }, "at least one step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			def := validDefinition("cert")
			tt.mutate(def)

			err := r.Register(def)
			require.Error(t, err)
			assert.ErrorIs(t, err, schemas.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, r.List(), "invalid definitions are never stored")
		})
	}
}

func TestIsCityField(t *testing.T) {
	for _, f := range []string{"city", "cidade", "municipio", "município", "Cidade", "birthCity", "property_city"} {
		assert.True(t, isCityField(f), f)
	}
	for _, f := range []string{"registration", "cityHall", "capacity"} {
		assert.False(t, isCityField(f), f)
	}
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := New(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Register(validDefinition(fmt.Sprintf("cert-%d", i))))
	}
	r.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Get(fmt.Sprintf("cert-%d", i%5))
			assert.NoError(t, err)
			assert.Len(t, r.List(), 5)
		}(i)
	}
	wg.Wait()
}

func TestBuiltinsRegister(t *testing.T) {
	defs, err := definition.Builtins()
	require.NoError(t, err)

	r := New(nil)
	for _, d := range defs {
		assert.NoError(t, r.Register(d), d.ID)
	}
}
