package registry

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
)

//go:embed catalog.toml
var catalogTOML string

// Catalog is the fixed set of item templates. It is populated once and never
// modified.
type Catalog struct {
	templates []models.ItemTemplate
}

// LoadCatalog decodes the embedded catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogTOML)
}

// ParseCatalog decodes a TOML catalog. Template ids must be 0..n-1 in order
// and the odds must add up to 100.
func ParseCatalog(data string) (*Catalog, error) {
	var doc struct {
		Template []models.ItemTemplate `toml:"template"`
	}
	if _, err := toml.Decode(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(doc.Template) == 0 {
		return nil, fmt.Errorf("catalog has no templates")
	}
	var total uint64
	for i, t := range doc.Template {
		if t.TemplateID != uint64(i) {
			return nil, fmt.Errorf("template %q has id %d, want %d", t.Name, t.TemplateID, i)
		}
		total += t.Odds
	}
	if total != 100 {
		return nil, fmt.Errorf("template odds add up to %d, want 100", total)
	}
	return &Catalog{templates: doc.Template}, nil
}

// Template returns the template with id; ok is false for unknown ids.
func (c *Catalog) Template(id uint64) (models.ItemTemplate, bool) {
	if id >= uint64(len(c.templates)) {
		return models.ItemTemplate{}, false
	}
	return clone(c.templates[id]), true
}

// Templates returns every template in id order.
func (c *Catalog) Templates() []models.ItemTemplate {
	out := make([]models.ItemTemplate, len(c.templates))
	for i, t := range c.templates {
		out[i] = clone(t)
	}
	return out
}

// Roll maps a tier roll in [0, 100) to a template by cumulative odds.
func (c *Catalog) Roll(roll uint64) models.ItemTemplate {
	roll %= 100
	var upper uint64
	for _, t := range c.templates {
		upper += t.Odds
		if roll < upper {
			return clone(t)
		}
	}
	return clone(c.templates[len(c.templates)-1])
}

func clone(t models.ItemTemplate) models.ItemTemplate {
	attrs := make(map[string]string, len(t.Attributes))
	for k, v := range t.Attributes {
		attrs[k] = v
	}
	t.Attributes = attrs
	return t
}
