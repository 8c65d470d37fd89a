package files

import (
	"context"
	"errors"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// StateKey is where the state file of an entity is stored.
func StateKey(entityID string) string {
	return "state/" + entityID + "/terraform.tfstate"
}

// PlanKey is where an exported plan for one dispatch is stored.
func PlanKey(entityID, correlationID string) string {
	return "plan/" + entityID + "/" + correlationID + ".tfplan"
}

// StateLocator looks up an artifact by key.
type StateLocator interface {
	Stat(ctx context.Context, key string) (*engine.ArtifactRef, error)
}

// ResolveState finds the state file of an entity, trying the current entity
// id before the legacy one. It returns nil when neither exists.
func ResolveState(ctx context.Context, loc StateLocator, entityID, legacyEntityID string) (*engine.ArtifactRef, error) {
	for _, id := range []string{entityID, legacyEntityID} {
		if id == "" {
			continue
		}
		ref, err := loc.Stat(ctx, StateKey(id))
		if errors.Is(err, ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
	return nil, nil
}
