package pipeline

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Variant is one client flavor the pipeline can build.
type Variant struct {
	Name     string `yaml:"name"`
	AppName  string `yaml:"app_name"`
	BundleID string `yaml:"bundle_id"`
}

var builtinVariants = map[string]Variant{
	"employee": {
		Name:     "employee",
		AppName:  "Ai Perf Client",
		BundleID: "site.sanying.aiperf.client",
	},
	"admin": {
		Name:     "admin",
		AppName:  "Ai Perf Admin",
		BundleID: "site.sanying.aiperf.admin",
	},
}

// LoadVariants returns the variant catalog: the built-in set, overlaid
// with entries from the YAML file at path when it exists.
func LoadVariants(path string) (map[string]Variant, error) {
	catalog := make(map[string]Variant, len(builtinVariants))
	for k, v := range builtinVariants {
		catalog[k] = v
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return catalog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read variant catalog: %w", err)
	}

	var file struct {
		Variants map[string]Variant `yaml:"variants"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for name, v := range file.Variants {
		if v.Name == "" {
			v.Name = name
		}
		if v.AppName == "" || v.BundleID == "" {
			return nil, fmt.Errorf("variant %q in %s needs app_name and bundle_id", name, path)
		}
		catalog[name] = v
	}
	return catalog, nil
}

// LookupVariant resolves a variant by name from the catalog, listing the
// known names on a miss.
func LookupVariant(catalog map[string]Variant, name string) (Variant, error) {
	if v, ok := catalog[name]; ok {
		return v, nil
	}
	known := make([]string, 0, len(catalog))
	for k := range catalog {
		known = append(known, k)
	}
	sort.Strings(known)
	return Variant{}, fmt.Errorf("unknown variant %q, known variants: %v", name, known)
}
