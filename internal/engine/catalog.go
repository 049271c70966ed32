package engine

import (
	"fmt"
	"slices"
)

type Product struct {
	ID          string
	Name        string
	Description string
	Hint        string
	Properties  []string
	IsGenuine   bool
}

// ProductView is what clients get to see of a product. It never carries IsGenuine.
type ProductView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Hint        string   `json:"hint,omitempty"`
	Properties  []string `json:"properties"`
}

func (p Product) View() ProductView {
	return ProductView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Hint:        p.Hint,
		Properties:  slices.Clone(p.Properties),
	}
}

type Catalog struct {
	Products   []Product
	Checklists map[Role][]string
}

// ProductForRound returns the product inspected in round (1-indexed).
func (c *Catalog) ProductForRound(round int) (Product, error) {
	if round < 1 || round > len(c.Products) {
		return Product{}, fmt.Errorf("%w: no product for round %d", ErrInvalidInput, round)
	}
	return c.Products[round-1], nil
}

func (c *Catalog) Checklist(role Role) []string {
	return slices.Clone(c.Checklists[role])
}

// Validate checks the authoring invariants: at least one product, every product has
// properties, ids are unique, and both checklist variants exist with equal length.
func (c *Catalog) Validate() error {
	if len(c.Products) == 0 {
		return fmt.Errorf("%w: catalog has no products", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("%w: product %d has no id", ErrInvalidInput, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate product id %q", ErrInvalidInput, p.ID)
		}
		seen[p.ID] = true
		if len(p.Properties) == 0 {
			return fmt.Errorf("%w: product %q has no properties", ErrInvalidInput, p.ID)
		}
	}

	villager, impostor := c.Checklists[RoleVillager], c.Checklists[RoleImpostor]
	if len(villager) == 0 || len(impostor) == 0 {
		return fmt.Errorf("%w: both checklist variants are required", ErrInvalidInput)
	}
	if len(villager) != len(impostor) {
		return fmt.Errorf("%w: checklist lengths differ (%d vs %d)", ErrInvalidInput, len(villager), len(impostor))
	}
	return nil
}

func DefaultCatalog() *Catalog {
	return &Catalog{
		Products: []Product{
			{
				ID:          "product1",
				Name:        "Product A",
				Description: "Standard industrial part",
				Properties: []string{
					"Material: steel",
					"Machining tolerance: ±0.1mm",
					"Safety standard: JIS compliant",
					"Quality mark: genuine mark attached",
					"Size: 100×50×25mm",
				},
				IsGenuine: true,
			},
			{
				ID:          "product2",
				Name:        "Product B",
				Description: "Part with suspected quality issues",
				Hint:        "Compare the mark and the tolerance carefully.",
				Properties: []string{
					"Material: aluminium alloy",
					"Machining tolerance: ±0.3mm",
					"Safety standard: in-house standard",
					"Quality mark: look-alike mark attached",
					"Size: 98×52×24mm",
				},
				IsGenuine: false,
			},
			{
				ID:          "product3",
				Name:        "Product C",
				Description: "Genuine part",
				Properties: []string{
					"Material: high-grade steel",
					"Machining tolerance: ±0.05mm",
					"Safety standard: JIS compliant",
					"Quality mark: genuine mark attached",
					"Size: 100×50×25mm",
				},
				IsGenuine: true,
			},
		},
		Checklists: map[Role][]string{
			RoleVillager: {
				"Material is appropriate",
				"Machining tolerance meets the standard",
				"Passes the safety standard",
				"Quality mark is displayed correctly",
				"Size is within specification",
			},
			RoleImpostor: {
				"Material is appropriate",
				"Machining tolerance is within an acceptable range", // looser
				"Passes the safety standard",
				"Quality mark is displayed", // looser
				"Size is within specification",
			},
		},
	}
}
