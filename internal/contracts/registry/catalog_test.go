package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	templates := c.Templates()
	require.Len(t, templates, 4)
	want := []struct{ name, rarity string }{
		{"Tabby", "Common"},
		{"Siamese Princess", "Rare"},
		{"Maine Coon King", "Epic"},
		{"Cosmic Cat", "Legendary"},
	}
	for i, w := range want {
		require.Equal(t, uint64(i), templates[i].TemplateID)
		require.Equal(t, w.name, templates[i].Name)
		require.Equal(t, w.rarity, templates[i].Rarity)
		require.Contains(t, templates[i].Image, "https://ton-cat-lottery.com/images/")
		require.NotEmpty(t, templates[i].Attributes)
	}

	t.Run("Test templates are copies", func(t *testing.T) {
		tmpl, ok := c.Template(0)
		require.True(t, ok)
		tmpl.Attributes["coat"] = "changed"
		again, _ := c.Template(0)
		require.Equal(t, "striped", again.Attributes["coat"])
	})
}

func TestCatalog_Roll(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	tests := []struct {
		roll uint64
		want uint64
	}{
		{0, 0}, {59, 0}, {60, 1}, {84, 1}, {85, 2}, {96, 2}, {97, 3}, {99, 3}, {160, 1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, c.Roll(tt.roll).TemplateID, "roll %d", tt.roll)
	}
}

func TestParseCatalog(t *testing.T) {
	_, err := ParseCatalog("")
	require.Error(t, err)

	_, err = ParseCatalog(`
[[template]]
id = 1
name = "x"
odds = 100
`)
	require.Error(t, err, "ids must start at zero")

	_, err = ParseCatalog(`
[[template]]
id = 0
name = "x"
odds = 90
`)
	require.Error(t, err, "odds must add up to 100")

	c, err := ParseCatalog(`
[[template]]
id = 0
name = "only"
odds = 100
`)
	require.NoError(t, err)
	require.Equal(t, "only", c.Roll(42).Name)
}
