// File: internal/textmatch/textmatch_test.go
package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "sao paulo", Fold("São Paulo"))
	assert.Equal(t, "sao paulo", Fold("  SAO   PAULO "))
	assert.Equal(t, "ribeirao preto", Fold("Ribeirão\tPreto"))
	assert.Equal(t, "mogi das cruzes", Fold("Mogi das Cruzes"))
	assert.Equal(t, "", Fold("   "))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("São Paulo", "SAO PAULO"))
	assert.True(t, Equal("Jundiaí", "JUNDIAI"))
	assert.False(t, Equal("São Paulo", "São Paulo do Potengi"))
	assert.False(t, Equal("Santos", "Santo"))
}

func TestIndex(t *testing.T) {
	options := []string{"SAO PAULO", "Rio de Janeiro", "São Paulo"}

	assert.Equal(t, 0, Index("São Paulo", options), "first match wins")
	assert.Equal(t, 1, Index("rio de janeiro", options))
	assert.Equal(t, -1, Index("Curitiba", options))
	assert.Equal(t, -1, Index("", options))
	assert.Equal(t, -1, Index("Santos", nil))
}
