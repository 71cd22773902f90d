package station

import (
	"log/slog"
	"sort"

	"github.com/dim-network/godim/internal/dim"
)

// ANS is the address-name service: a fixed registry mapping well-known
// short names ("archivist", "assistant", "apns") to entity identifiers.
// Records come from config at boot and never change afterwards, so
// lookups are lock-free.
type ANS struct {
	records map[string]dim.ID
}

// NewANS parses the configured name -> identifier records. Unparsable
// identifiers are skipped with a warning.
func NewANS(records map[string]string, logger *slog.Logger) *ANS {
	out := make(map[string]dim.ID, len(records))
	for name, s := range records {
		id, err := dim.ParseID(s)
		if err != nil {
			logger.Warn("ans record skipped",
				slog.String("name", name),
				slog.Any("error", err),
			)
			continue
		}
		out[name] = id
	}
	return &ANS{records: out}
}

// Resolve returns the identifier registered for a name.
func (a *ANS) Resolve(name string) (dim.ID, bool) {
	id, ok := a.records[name]
	return id, ok
}

// ResolveMany resolves a list of names, skipping unknown ones.
func (a *ANS) ResolveMany(names []string) map[string]dim.ID {
	out := make(map[string]dim.ID)
	for _, name := range names {
		if id, ok := a.records[name]; ok {
			out[name] = id
		}
	}
	return out
}

// Names returns all registered names, sorted for stable responses.
func (a *ANS) Names() []string {
	out := make([]string, 0, len(a.records))
	for name := range a.records {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bots returns all registered identifiers of bot type. Used as the
// station-bot set for EVERYONE broadcasts when config lists none.
func (a *ANS) Bots() []dim.ID {
	var out []dim.ID
	for _, name := range a.Names() {
		if id := a.records[name]; id.Type() == dim.TypeBot {
			out = append(out, id)
		}
	}
	return out
}
