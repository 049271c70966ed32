// Package catalog loads product catalogs from YAML files.
package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
)

type productFile struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Hint        string   `yaml:"hint"`
	Properties  []string `yaml:"properties"`
	IsGenuine   bool     `yaml:"isGenuine"`
}

type catalogFile struct {
	Products   []productFile `yaml:"products"`
	Checklists struct {
		Villager []string `yaml:"villager"`
		Impostor []string `yaml:"impostor"`
	} `yaml:"checklists"`
}

// Load returns the built-in catalog when path is empty.
func Load(path string) (*engine.Catalog, error) {
	if path == "" {
		return engine.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

func Parse(r io.Reader) (*engine.Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	cat := &engine.Catalog{
		Products: make([]engine.Product, 0, len(f.Products)),
		Checklists: map[engine.Role][]string{
			engine.RoleVillager: f.Checklists.Villager,
			engine.RoleImpostor: f.Checklists.Impostor,
		},
	}
	for _, p := range f.Products {
		cat.Products = append(cat.Products, engine.Product{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Hint:        p.Hint,
			Properties:  p.Properties,
			IsGenuine:   p.IsGenuine,
		})
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}
