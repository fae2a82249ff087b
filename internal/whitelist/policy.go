package whitelist

import (
	"sync"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Policy decides whether an entity may be served at all
type Policy interface {
	IsWhitelisted(address string) bool
}

// AllowAll accepts every address
type AllowAll struct{}

// IsWhitelisted always returns true
func (AllowAll) IsWhitelisted(string) bool { return true }

// ListPolicy is an allow/deny list policy. An empty allow list admits every
// address that is not blocked.
type ListPolicy struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
	blocked map[string]struct{}
}

// NewListPolicy builds a policy from the configured lists
func NewListPolicy(cfg config.ListConfig) *ListPolicy {
	p := &ListPolicy{
		allowed: make(map[string]struct{}),
		blocked: make(map[string]struct{}),
	}
	for _, addr := range cfg.Allowed {
		p.allowed[utils.NormalizeAddress(addr)] = struct{}{}
	}
	for _, addr := range cfg.Blocked {
		p.blocked[utils.NormalizeAddress(addr)] = struct{}{}
	}
	return p
}

// IsWhitelisted reports whether address may be served
func (p *ListPolicy) IsWhitelisted(address string) bool {
	addr := utils.NormalizeAddress(address)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, blocked := p.blocked[addr]; blocked {
		return false
	}
	if len(p.allowed) == 0 {
		return true
	}
	_, ok := p.allowed[addr]
	return ok
}

// Block adds address to the deny list
func (p *ListPolicy) Block(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[utils.NormalizeAddress(address)] = struct{}{}
}

// Filter keeps the addresses the policy admits, preserving order
func Filter(policy Policy, addresses []string) []string {
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if policy.IsWhitelisted(addr) {
			out = append(out, addr)
		}
	}
	return out
}
