package jobs

import (
	"encoding/json"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEntitlementsWarmup refreshes cached entitlement snapshots.
	TaskEntitlementsWarmup = "entitlements:warmup"
)

// EntitlementsWarmupPayload lists the scopes to warm. An empty list means the
// worker's configured default scopes.
type EntitlementsWarmupPayload struct {
	ScopeIDs []string `json:"scopeIds"`
}

// NewEntitlementsWarmupTask constructs an Asynq task.
func NewEntitlementsWarmupTask(payload EntitlementsWarmupPayload) (*asynq.Task, error) {
	payload.ScopeIDs = dedupeScopes(payload.ScopeIDs)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEntitlementsWarmup, data), nil
}

func dedupeScopes(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
