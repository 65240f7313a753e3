package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProductTable maps billing product identifiers to the credits they grant.
type ProductTable map[string]int64

// DefaultProducts is the compiled-in product table, used when no override
// file is configured.
func DefaultProducts() ProductTable {
	return ProductTable{
		"com.lusterai.trial":          10,
		"com.lusterai.pro.monthly":    45,
		"com.lusterai.pro.yearly":     540,
		"com.lusterai.credits.small":  5,
		"com.lusterai.credits.medium": 15,
		"com.lusterai.credits.large":  30,
	}
}

// Credits returns the grant for a product id, or zero when unknown.
func (p ProductTable) Credits(productID string) int64 { return p[productID] }

// LoadProducts returns the product table, merging an optional YAML override
// file on top of the defaults. The file maps product ids to credit amounts:
//
//	com.lusterai.trial: 10
//	com.lusterai.pro.monthly: 45
func LoadProducts(path string) (ProductTable, error) {
	table := DefaultProducts()
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProducts: read %s: %w", path, err)
	}
	var override map[string]int64
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("op=config.LoadProducts: parse %s: %w", path, err)
	}
	for id, credits := range override {
		table[id] = credits
	}
	return table, nil
}
