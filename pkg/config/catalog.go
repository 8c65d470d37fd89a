package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Catalog serves provisioner declarations loaded from a directory of YAML
// files. It implements engine.ConfigSource.
type Catalog struct {
	dir      string
	schema   *SchemaValidator
	validate *validator.Validate
	logger   zerolog.Logger

	mu           sync.RWMutex
	provisioners map[string]*engine.ProvisionerConfig
	files        map[string]string
}

// NewCatalog creates an empty catalog for dir. Call Load to read it.
func NewCatalog(dir string, logger zerolog.Logger) (*Catalog, error) {
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Catalog{
		dir:          dir,
		schema:       schema,
		validate:     validator.New(),
		logger:       logger.With().Str("component", "catalog").Logger(),
		provisioners: make(map[string]*engine.ProvisionerConfig),
		files:        make(map[string]string),
	}, nil
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Load reads every *.yaml and *.yml file in the directory. The catalog is
// replaced only when every file is valid.
func (c *Catalog) Load(ctx context.Context) error {
	files, err := declarationFiles(c.dir)
	if err != nil {
		return err
	}

	provisioners := make(map[string]*engine.ProvisionerConfig)
	origins := make(map[string]string)
	var errs []error

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", file, err))
			continue
		}
		cfgs, err := c.Parse(file, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, cfg := range cfgs {
			if prev, ok := origins[cfg.ID]; ok {
				errs = append(errs, fmt.Errorf("%s: duplicate provisioner id %q, first declared in %s", file, cfg.ID, prev))
				continue
			}
			provisioners[cfg.ID] = cfg
			origins[cfg.ID] = file
		}
	}

	if len(errs) > 0 {
		return engine.NewInvalidConfigurationError("invalid provisioner declarations", errors.Join(errs...))
	}

	c.mu.Lock()
	c.provisioners = provisioners
	c.files = origins
	c.mu.Unlock()

	c.logger.Info().
		Str("dir", c.dir).
		Int("files", len(files)).
		Int("provisioners", len(provisioners)).
		Msg("provisioner catalog loaded")
	return nil
}

// Parse decodes the declarations in one file. A file holds a single
// declaration, a top-level provisioners list, or several YAML documents.
func (c *Catalog) Parse(file string, data []byte) ([]*engine.ProvisionerConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []*engine.ProvisionerConfig
	for {
		var doc map[string]interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		if doc == nil {
			continue
		}

		docs := []map[string]interface{}{doc}
		if list, ok := doc["provisioners"]; ok {
			docs, err = provisionerList(file, list)
			if err != nil {
				return nil, err
			}
		}

		for _, d := range docs {
			cfg, err := c.decode(file, d)
			if err != nil {
				return nil, err
			}
			out = append(out, cfg)
		}
	}
	return out, nil
}

func provisionerList(file string, list interface{}) ([]map[string]interface{}, error) {
	items, ok := list.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: provisioners must be a list", file)
	}
	out := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: provisioners[%d] must be a mapping", file, i)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Catalog) decode(file string, doc map[string]interface{}) (*engine.ProvisionerConfig, error) {
	if err := c.schema.Validate(file, doc); err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s: %w", file, err)
	}
	var cfg engine.ProvisionerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", file, err)
	}

	if err := c.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%s: provisioner %s: %w", file, cfg.ID, err)
	}
	for _, group := range [][]engine.DeclaredVariable{cfg.Variables, cfg.BackendConfigs, cfg.EnvironmentVariables} {
		if err := engine.ValidateVariableNames(group); err != nil {
			return nil, fmt.Errorf("%s: provisioner %s: %w", file, cfg.ID, err)
		}
	}
	return &cfg, nil
}

// Get returns the declaration for id.
func (c *Catalog) Get(_ context.Context, id string) (*engine.ProvisionerConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, ok := c.provisioners[id]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("provisioner %s not found", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return cfg, nil
}

// IDs returns the loaded provisioner ids in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.provisioners))
	for id := range c.provisioners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source returns the file a provisioner was declared in.
func (c *Catalog) Source(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files[id]
}

func declarationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioner directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isDeclarationFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isDeclarationFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
