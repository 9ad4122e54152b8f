package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/rfiflow/model"
)

// AnyRole is the policy key whose capabilities every authenticated caller
// receives regardless of roles.
const AnyRole = "*"

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// Policy maps roles to capability strings. It is either built in or loaded
// from a YAML file of the form:
//
//	roles:
//	  "*": [rfi:read, rfi:write]
//	  admin: ["*"]
type Policy struct {
	path string
	mu   sync.RWMutex
	file policyFile
}

// DefaultPolicy grants day-to-day RFI work to every authenticated caller and
// everything to adminRole.
func DefaultPolicy(adminRole string) *Policy {
	if adminRole == "" {
		adminRole = model.RoleAdmin
	}
	return &Policy{file: policyFile{Roles: map[string][]string{
		AnyRole: {
			model.CapRFIRead,
			model.CapRFIWrite,
			model.CapRFITransition,
			model.CapCatalogRead,
			model.CapAuditRead,
		},
		adminRole: {"*"},
	}}}
}

// LoadPolicy reads a policy from path.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the union of the AnyRole grants and the grants
// of every role in the request context.
func (p *Policy) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, c := range p.file.Roles[AnyRole] {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		if role == AnyRole {
			continue
		}
		for _, c := range p.file.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk. Built-in policies have no file and
// are left unchanged.
func (p *Policy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}
	if len(f.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s grants nothing", p.path)
	}

	p.mu.Lock()
	p.file = f
	p.mu.Unlock()
	return nil
}
