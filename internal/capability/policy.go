// Package capability resolves the API capabilities granted to a caller's
// roles from a static YAML policy.
package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/complyflow/model"
)

// Evaluator resolves the capability set of a request context.
type Evaluator interface {
	ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy maps roles to capability strings, loaded from a YAML file:
//
//	roles:
//	  compliance_officer: ["definitions:*", "executions:*", "tasks:*"]
//	  analyst: ["executions:read", "tasks:read", "tasks:work"]
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy creates a policy loaded from path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the union of capabilities of every role in the
// request context. Unknown roles grant nothing.
func (p *StaticPolicy) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range p.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (p *StaticPolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}
