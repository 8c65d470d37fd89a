package engine

import (
	"path"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultWorkspace is treated as no workspace when deriving identities.
const DefaultWorkspace = "default"

// DeriveEntityID returns the stable key snapshots are stored under.
// The result depends only on its inputs.
func DeriveEntityID(provisionerID, environmentID, branch, renderedPath, workspace string) string {
	var b strings.Builder
	b.WriteString(provisionerID)
	b.WriteByte('-')
	b.WriteString(environmentID)

	normalized := normalizePath(renderedPath)
	if branch != "" || normalized != "" {
		b.WriteByte('-')
		b.WriteString(strconv.FormatUint(xxhash.Sum64String(branch+normalized), 16))
	}
	if ws := NormalizeWorkspace(workspace); ws != "" {
		b.WriteByte('-')
		b.WriteString(ws)
	}
	return b.String()
}

// LegacyEntityID returns the key shape used before branch and path were
// part of the identity.
func LegacyEntityID(provisionerID, environmentID, workspace string) string {
	id := provisionerID + "-" + environmentID
	if ws := NormalizeWorkspace(workspace); ws != "" {
		id += "-" + ws
	}
	return id
}

// NormalizeWorkspace maps the default workspace to the empty string.
func NormalizeWorkspace(workspace string) string {
	ws := strings.TrimSpace(workspace)
	if ws == DefaultWorkspace {
		return ""
	}
	return ws
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean("/" + p)
}
