// Package config loads the provisioner service configuration and the
// provisioner declarations it serves.
//
// # Service configuration
//
// EngineConfig is read from YAML with LoadEngineConfig. Defaults fill any
// unset section, PROVISIONER_* environment variables override file values
// (PROVISIONER_STORE_DSN, PROVISIONER_WORKER_MODE, PROVISIONER_VAULT_TOKEN
// and so on), and the result is checked with go-playground/validator.
//
// # Provisioner declarations
//
// Catalog reads a directory of YAML declaration files. A file holds one
// declaration, a top-level provisioners list, or several YAML documents.
// Every declaration is unified with the embedded CUE schema
// (schema/provisioner.cue) before it is decoded, so unknown fields, unknown
// kinds and missing kind-specific sections are reported with their path:
//
//	catalog, err := config.NewCatalog("/etc/provisioner/provisioners", logger)
//	if err != nil {
//	    return err
//	}
//	if err := catalog.Load(ctx); err != nil {
//	    return err
//	}
//	cfg, err := catalog.Get(ctx, "network")
//
// Catalog implements engine.ConfigSource. Watch reloads it with fsnotify
// when a declaration changes; a reload that fails validation keeps the
// previous set.
//
// # Expressions
//
// StarlarkRenderer implements engine.ExpressionRenderer. Each ${...} segment
// of a path, branch or workspace is evaluated as a Starlark expression with
// the expression context as globals:
//
//	r := config.NewStarlarkRenderer(5 * time.Second)
//	path, err := r.Render(ctx, "stacks/${environment_id.lower()}", vars)
package config
