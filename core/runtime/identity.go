package runtime

import (
	"fmt"
	"net/url"
	"strings"
)

// Identity uniquely addresses one workspace runtime across its whole lifetime.
// It is a comparable value type, so two identities are equal when all of their fields are.
type Identity struct {
	WorkspaceID    string `json:"workspace_id" yaml:"workspace_id"`
	OwnerID        string `json:"owner_id" yaml:"owner_id"`
	EnvName        string `json:"env_name" yaml:"env_name"`
	InfraNamespace string `json:"infra_namespace" yaml:"infra_namespace"`
}

func NewIdentity(workspaceID, ownerID, envName, infraNamespace string) Identity {
	return Identity{
		WorkspaceID:    workspaceID,
		OwnerID:        ownerID,
		EnvName:        envName,
		InfraNamespace: infraNamespace,
	}
}

// Key returns a stable string form of the identity, usable as a map or database key. Fields are
// escaped before they are joined, so unequal identities never share a key.
func (i Identity) Key() string {
	fields := []string{i.InfraNamespace, i.WorkspaceID, i.EnvName, i.OwnerID}
	for n, f := range fields {
		fields[n] = url.PathEscape(f)
	}
	return strings.Join(fields, "/")
}

func (i Identity) Validate() error {
	if i.WorkspaceID == "" {
		return NewValidationError("runtime identity is missing a workspace id")
	}
	if i.EnvName == "" {
		return NewValidationError("runtime identity for workspace %s is missing an environment name", i.WorkspaceID)
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("workspace=%s owner=%s env=%s namespace=%s", i.WorkspaceID, i.OwnerID, i.EnvName, i.InfraNamespace)
}
