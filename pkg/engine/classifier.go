package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// invalidVariableNameMessage is shown when a variable name would break the
// tool's variable syntax.
const invalidVariableNameMessage = "The following characters are not allowed in terraform variable names: . and $"

// VariableClassifier filters caller values against a declaration and splits
// them into plaintext values and secret references.
type VariableClassifier struct {
	resolver SecretResolver
}

// NewVariableClassifier creates a classifier. The resolver may be nil when no
// provisioner declares encrypted values.
func NewVariableClassifier(resolver SecretResolver) *VariableClassifier {
	return &VariableClassifier{resolver: resolver}
}

// Classify keeps only declared, non-empty values and classifies them by their
// declared type.
func (c *VariableClassifier) Classify(ctx context.Context, values map[string]string, declared []DeclaredVariable) (map[string]string, map[string]SecretRef, error) {
	return c.classify(ctx, values, declared, true)
}

// ClassifyUnfiltered classifies values without dropping undeclared names.
// Undeclared values are plaintext.
func (c *VariableClassifier) ClassifyUnfiltered(ctx context.Context, values map[string]string, declared []DeclaredVariable) (map[string]string, map[string]SecretRef, error) {
	return c.classify(ctx, values, declared, false)
}

func (c *VariableClassifier) classify(ctx context.Context, values map[string]string, declared []DeclaredVariable, whitelist bool) (map[string]string, map[string]SecretRef, error) {
	types := make(map[string]VariableType, len(declared))
	for _, d := range declared {
		types[d.Name] = d.Type
	}

	plain := make(map[string]string)
	encrypted := make(map[string]SecretRef)

	// Sorted so resolver calls happen in a stable order.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values[name]
		if value == "" {
			continue
		}
		typ, ok := types[name]
		if !ok && whitelist {
			continue
		}
		if !typ.IsEncrypted() {
			plain[name] = value
			continue
		}
		if c.resolver == nil {
			return nil, nil, NewInvalidConfigurationError(
				fmt.Sprintf("variable %s is encrypted but no secret resolver is configured", name), nil)
		}
		ref, err := c.resolver.ResolveReference(ctx, name, value)
		if err != nil {
			return nil, nil, NewInvalidConfigurationError(
				fmt.Sprintf("failed to resolve secret reference for %s", name), err)
		}
		encrypted[name] = ref
	}
	return plain, encrypted, nil
}

// ValidateVariableNames rejects duplicate names and names the tool cannot
// parse.
func ValidateVariableNames(declared []DeclaredVariable) error {
	seen := make(map[string]struct{}, len(declared))
	var dups []string
	for _, d := range declared {
		if strings.ContainsAny(d.Name, ".$") {
			return NewInvalidConfigurationError(invalidVariableNameMessage, nil).WithDetail("name", d.Name)
		}
		if _, ok := seen[d.Name]; ok {
			dups = append(dups, d.Name)
			continue
		}
		seen[d.Name] = struct{}{}
	}
	if len(dups) > 0 {
		return NewInvalidConfigurationError(
			fmt.Sprintf("duplicate variable names: %s", strings.Join(dups, ", ")), nil)
	}
	return nil
}

// declaredDefaults returns the declared default values keyed by name.
func declaredDefaults(declared []DeclaredVariable) map[string]string {
	out := make(map[string]string, len(declared))
	for _, d := range declared {
		out[d.Name] = d.Value
	}
	return out
}

// mergeOverrides lays caller values over declared defaults.
func mergeOverrides(declared []DeclaredVariable, overrides map[string]string) map[string]string {
	out := declaredDefaults(declared)
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
