package assets

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/assets.yaml.
type Definitions struct {
	Assets map[string]Definition `yaml:"assets"`
}

// Definition describes a single tracked asset.
type Definition struct {
	Address     string `yaml:"address"`
	Symbol      string `yaml:"symbol"`
	Decimals    int    `yaml:"decimals"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing asset metadata.
// An empty path yields an empty registry rather than an error so quota
// enforcement can run without asset annotations.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Assets: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取资产登记失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析资产登记失败: %w", err)
	}
	if defs.Assets == nil {
		defs.Assets = map[string]Definition{}
	}
	return defs, nil
}

// Registry resolves asset addresses to their registered metadata.
type Registry struct {
	byAddress map[common.Address]Definition
	byName    map[string]Definition
}

// NewRegistry indexes the loaded definitions for lookup.
func NewRegistry(defs Definitions) *Registry {
	r := &Registry{
		byAddress: make(map[common.Address]Definition, len(defs.Assets)),
		byName:    make(map[string]Definition, len(defs.Assets)),
	}
	for name, def := range defs.Assets {
		r.byName[name] = def
		if def.Address != "" {
			r.byAddress[common.HexToAddress(def.Address)] = def
		}
	}
	return r
}

// Lookup returns the definition registered for an asset address.
func (r *Registry) Lookup(asset common.Address) (Definition, bool) {
	def, ok := r.byAddress[asset]
	return def, ok
}

// Resolve returns the address registered under a symbolic name.
func (r *Registry) Resolve(name string) (common.Address, bool) {
	def, ok := r.byName[name]
	if !ok || def.Address == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(def.Address), true
}

// All returns every registered definition keyed by symbolic name.
func (r *Registry) All() map[string]Definition {
	out := make(map[string]Definition, len(r.byName))
	for name, def := range r.byName {
		out[name] = def
	}
	return out
}

// Symbol returns a display symbol for an asset, falling back to the hex
// address when the asset is not registered.
func (r *Registry) Symbol(asset common.Address) string {
	if def, ok := r.byAddress[asset]; ok && def.Symbol != "" {
		return def.Symbol
	}
	return asset.Hex()
}
