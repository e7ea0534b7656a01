package devapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"crm-callsync/internal/rbac"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML fixture loaded at startup:
//
//	agents:
//	  - id: alice
//	    role: agent
//	    api_key: secret
//	leads:
//	  - name: Jane Roe
//	    phone: "+1 555 123 4567"
type Seed struct {
	Agents []SeedAgent `yaml:"agents"`
	Leads  []SeedLead  `yaml:"leads"`
}

type SeedAgent struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role"`
	APIKey string `yaml:"api_key"`
}

type SeedLead struct {
	Name   string `yaml:"name"`
	Phone  string `yaml:"phone"`
	Status string `yaml:"status"`
}

func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("devapi: read seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("devapi: parse seed %s: %w", path, err)
	}
	for i, a := range s.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return Seed{}, fmt.Errorf("devapi: seed agent %d: id required", i)
		}
		if a.Role == "" {
			s.Agents[i].Role = rbac.RoleAgent
		} else if !rbac.Known(a.Role) {
			return Seed{}, fmt.Errorf("devapi: seed agent %s: unknown role %q", a.ID, a.Role)
		}
	}
	return s, nil
}

// ApplyLeads creates the seeded leads.
func (s *Service) ApplyLeads(ctx context.Context, leads []SeedLead) error {
	for _, l := range leads {
		if _, err := s.CreateLead(ctx, l.Name, l.Phone, l.Status); err != nil {
			return fmt.Errorf("devapi: seed lead %q: %w", l.Name, err)
		}
	}
	return nil
}

// Directory authenticates agents at login.
//
// With no seeded agents every agent id is accepted as RoleAgent, checked
// against the shared key when one is configured.
type Directory struct {
	agents    map[string]SeedAgent
	sharedKey string
}

func NewDirectory(agents []SeedAgent, sharedKey string) *Directory {
	d := &Directory{agents: make(map[string]SeedAgent, len(agents)), sharedKey: sharedKey}
	for _, a := range agents {
		d.agents[a.ID] = a
	}
	return d
}

// Authenticate returns the role of agentID when apiKey is valid.
func (d *Directory) Authenticate(agentID, apiKey string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", ErrUnauthorized
	}
	if len(d.agents) == 0 {
		if d.sharedKey != "" && !keyEqual(apiKey, d.sharedKey) {
			return "", ErrUnauthorized
		}
		return rbac.RoleAgent, nil
	}
	a, ok := d.agents[agentID]
	if !ok || !keyEqual(apiKey, a.APIKey) {
		return "", ErrUnauthorized
	}
	return a.Role, nil
}

// Role re-reads the role of a known agent when a token is refreshed.
func (d *Directory) Role(agentID string) (string, error) {
	if len(d.agents) == 0 {
		return rbac.RoleAgent, nil
	}
	a, ok := d.agents[agentID]
	if !ok {
		return "", ErrUnauthorized
	}
	return a.Role, nil
}

func keyEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
