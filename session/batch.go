package session

// Batch Assembly
//
// Participants waiting for a round are grouped by exact emitter-config
// equality: one acoustic emission can serve every listener that expects the
// same carriers, timing and filtering, but nobody else. Batches are
// processed strictly sequentially on the emitting device; two overlapping
// emissions would corrupt each other's pulse grids.

import (
	"sort"

	"github.com/google/uuid"

	"copresence/fsk"
	"copresence/models"
)

// Batch is a transient group of requests served by one emission. It is never
// persisted; only its member requests live in the shared store.
type Batch struct {
	ID         string
	Config     fsk.EmitterConfig
	RequestIDs []string
}

// GroupByConfig splits ready requests into batches of config-equivalent
// participants, each with a fresh batch id. Output order is deterministic
// (by config key) so runs are reproducible in tests.
func GroupByConfig(requests []*models.VerificationRequest) []Batch {
	byKey := make(map[string]*Batch)
	for _, req := range requests {
		key := req.Config.Key()
		batch, ok := byKey[key]
		if !ok {
			batch = &Batch{
				ID:     uuid.NewString(),
				Config: req.Config,
			}
			byKey[key] = batch
		}
		batch.RequestIDs = append(batch.RequestIDs, req.ID)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Batch, 0, len(byKey))
	for _, key := range keys {
		out = append(out, *byKey[key])
	}
	return out
}
