package leads

import (
	"context"
	"fmt"
	"log/slog"

	"crm-callsync/internal/api"
	"crm-callsync/internal/phone"
)

// Searcher is the backend lead search.
type Searcher interface {
	SearchLeads(ctx context.Context, query string) ([]api.Lead, error)
}

// Lookup resolves a phone number to a lead.
type Lookup struct {
	search Searcher
	log    *slog.Logger
}

func NewLookup(search Searcher, log *slog.Logger) *Lookup {
	if log == nil {
		log = slog.Default()
	}
	return &Lookup{search: search, log: log.With("component", "leads.lookup")}
}

// FindByPhone returns the first lead whose number matches, or nil when the
// number is blank or nothing matches.
func (l *Lookup) FindByPhone(ctx context.Context, number string) (*api.Lead, error) {
	key := phone.Key(number)
	if key == "" {
		return nil, nil
	}
	found, err := l.search.SearchLeads(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("leads: search %s: %w", key, err)
	}
	for i := range found {
		if phone.Matches(found[i].Phone, number) {
			lead := found[i]
			return &lead, nil
		}
	}
	l.log.Debug("no lead matches phone", "phone_key", key, "candidates", len(found))
	return nil, nil
}

// ResolveID is FindByPhone reduced to an optional id.
func (l *Lookup) ResolveID(ctx context.Context, number string) (*int64, error) {
	lead, err := l.FindByPhone(ctx, number)
	if err != nil || lead == nil {
		return nil, err
	}
	id := lead.ID
	return &id, nil
}
