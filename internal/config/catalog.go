package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gridwell/datafeeds/internal/model"
)

// Catalog is the local source list for manual launches. Production runs get
// their DataSource from the dispatcher; the catalog serves development and
// operator one-offs.
type Catalog struct {
	Sources []model.DataSource `yaml:"sources"`
}

// LoadCatalog parses a YAML source catalog.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read catalog %s", path)
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, eris.Wrapf(err, "config: parse catalog %s", path)
	}
	seen := make(map[int64]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == 0 {
			return nil, eris.Errorf("config: catalog %s has a source without an id", path)
		}
		if s.Kind == "" {
			return nil, eris.Errorf("config: source %d has no kind", s.ID)
		}
		if seen[s.ID] {
			return nil, eris.Errorf("config: duplicate source id %d", s.ID)
		}
		seen[s.ID] = true
	}
	return &c, nil
}

// Lookup returns the source with the given id.
func (c *Catalog) Lookup(id int64) (*model.DataSource, error) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i], nil
		}
	}
	return nil, eris.Errorf("config: source %d not in catalog", id)
}
