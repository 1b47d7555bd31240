package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// Step upgrades a raw envelope from version N to N+1 in place. Steps must be
// idempotent: running one twice leaves the document as running it once.
type Step func(doc map[string]any) error

// requiredCollections must exist as objects in a current envelope.
var requiredCollections = []string{"users", "moments", "scheduledJobs"}

// Migrator walks a raw envelope up to the target schema version.
type Migrator struct {
	steps  map[int]Step
	target int
	log    *logger.Logger
}

// MigrationResult describes what Migrate did.
type MigrationResult struct {
	From    int
	To      int
	Applied int
	// Missing lists required collections that were absent and replaced by empty ones.
	Missing []string
}

// Changed reports whether the document differs from what was read.
func (r MigrationResult) Changed() bool { return r.Applied > 0 || len(r.Missing) > 0 }

// NewMigrator returns a migrator with the built-in steps up to
// schema.CurrentSchemaVersion.
func NewMigrator(log *logger.Logger) *Migrator {
	if log == nil {
		log = logger.Nop()
	}
	m := &Migrator{
		steps:  make(map[int]Step),
		target: schema.CurrentSchemaVersion,
		log:    log.With("component", "Migrator"),
	}
	m.Register(1, m.lenient(migrateV1ToV2))
	m.Register(2, m.lenient(migrateV2ToV3))
	m.Register(3, m.lenient(migrateV3ToV4))
	return m
}

// Register installs the step upgrading from version from to from+1.
func (m *Migrator) Register(from int, step Step) {
	m.steps[from] = step
	if from+1 > m.target {
		m.target = from + 1
	}
}

// lenientStep may drop entries it cannot upgrade; discard reports each one.
type lenientStep func(doc map[string]any, discard func(where string)) error

// lenient adapts a step that drops malformed entries, logging each one.
func (m *Migrator) lenient(step lenientStep) Step {
	return func(doc map[string]any) error {
		return step(doc, func(where string) {
			m.log.Warn("Discarding malformed entry during migration", "entry", where)
		})
	}
}

// Target is the version Migrate upgrades to.
func (m *Migrator) Target() int { return m.target }

// Migrate upgrades doc in place. The version field is stamped after every
// successful step, so on error doc reflects the last version reached.
func (m *Migrator) Migrate(doc map[string]any) (MigrationResult, error) {
	v := versionOf(doc)
	res := MigrationResult{From: v, To: v}
	if v > m.target {
		return res, fmt.Errorf("schema version %d is newer than supported %d", v, m.target)
	}
	for v < m.target {
		step, ok := m.steps[v]
		if !ok {
			return res, fmt.Errorf("no migration registered from v%d", v)
		}
		if err := step(doc); err != nil {
			return res, fmt.Errorf("migrate v%d->v%d: %w", v, v+1, err)
		}
		v++
		doc["schemaVersion"] = v
		res.To = v
		res.Applied++
		m.log.Info("Applied schema migration", "from", v-1, "to", v)
	}
	doc["schemaVersion"] = v
	res.Missing = m.verify(doc)
	return res, nil
}

// verify replaces absent or malformed collections with empty ones.
func (m *Migrator) verify(doc map[string]any) []string {
	var missing []string
	for _, name := range requiredCollections {
		if _, ok := doc[name].(map[string]any); ok {
			continue
		}
		m.log.Warn("Envelope collection missing after migration; treating as empty", "collection", name)
		doc[name] = map[string]any{}
		missing = append(missing, name)
	}
	return missing
}

func versionOf(doc map[string]any) int {
	switch v := doc["schemaVersion"].(type) {
	case float64:
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	}
	return 1
}

// v1 users predate the enabled flag and the onboarding flag.
func migrateV1ToV2(doc map[string]any, discard func(string)) error {
	users, err := objectField(doc, "users")
	if err != nil {
		return err
	}
	for id, raw := range users {
		u, ok := raw.(map[string]any)
		if !ok {
			delete(users, id)
			discard("users." + id)
			continue
		}
		if _, ok := u["id"]; !ok {
			u["id"] = id
		}
		notif, hasNotif := u["notifications"].(map[string]any)
		if hasNotif {
			setDefault(notif, "enabled", true)
		}
		setDefault(u, "onboardingCompleted", hasNotif)
	}
	if _, ok := doc["scheduledJobs"]; !ok {
		doc["scheduledJobs"] = map[string]any{}
	}
	return nil
}

// v2 wrote epoch milliseconds and left moment source and tags implicit.
func migrateV2ToV3(doc map[string]any, discard func(string)) error {
	users, err := objectField(doc, "users")
	if err != nil {
		return err
	}
	for _, raw := range users {
		u, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		normalizeTimes(u, "createdAt")
		if stats, ok := u["stats"].(map[string]any); ok {
			normalizeTimes(stats, "lastPromptAt", "lastMomentAt")
		}
	}

	moments, err := objectField(doc, "moments")
	if err != nil {
		return err
	}
	for userID, raw := range moments {
		list, ok := raw.([]any)
		if !ok {
			if raw != nil {
				discard("moments." + userID)
			}
			moments[userID] = []any{}
			continue
		}
		kept := make([]any, 0, len(list))
		for i, item := range list {
			mo, ok := item.(map[string]any)
			if !ok {
				discard(fmt.Sprintf("moments.%s[%d]", userID, i))
				continue
			}
			normalizeTimes(mo, "createdAt")
			setDefault(mo, "source", string(schema.SourceText))
			if mo["tags"] == nil {
				mo["tags"] = []any{}
			}
			kept = append(kept, mo)
		}
		moments[userID] = kept
	}

	for _, job := range jobEntries(doc["scheduledJobs"]) {
		normalizeTimes(job, "scheduledAt", "nextRunAt")
	}
	normalizeTimes(doc, "savedAt")
	return nil
}

// v3 kept jobs in an array; v4 keys them by user id to enforce one job per
// user, and tracks the moment id sequence explicitly.
func migrateV3ToV4(doc map[string]any, discard func(string)) error {
	if list, ok := doc["scheduledJobs"].([]any); ok {
		byUser := make(map[string]any, len(list))
		for i, item := range list {
			job, ok := item.(map[string]any)
			if !ok {
				discard(fmt.Sprintf("scheduledJobs[%d]", i))
				continue
			}
			userID, _ := job["userId"].(string)
			if userID == "" {
				discard(fmt.Sprintf("scheduledJobs[%d]", i))
				continue
			}
			byUser[userID] = job
		}
		doc["scheduledJobs"] = byUser
	}

	users, err := objectField(doc, "users")
	if err != nil {
		return err
	}
	moments, err := objectField(doc, "moments")
	if err != nil {
		return err
	}
	for id, raw := range users {
		u, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		stats, ok := u["stats"].(map[string]any)
		if !ok {
			stats = map[string]any{}
			u["stats"] = stats
		}
		seq := numberOf(stats["momentSeq"])
		list, _ := moments[id].([]any)
		for _, item := range list {
			if mo, ok := item.(map[string]any); ok {
				seq = math.Max(seq, numberOf(mo["id"]))
			}
		}
		stats["momentSeq"] = seq
	}
	return nil
}

// objectField returns doc[name] as an object, creating it when absent.
func objectField(doc map[string]any, name string) (map[string]any, error) {
	switch v := doc[name].(type) {
	case map[string]any:
		return v, nil
	case nil:
		obj := map[string]any{}
		doc[name] = obj
		return obj, nil
	default:
		return nil, fmt.Errorf("%s: expected object, got %T", name, v)
	}
}

func jobEntries(raw any) []map[string]any {
	var out []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		for _, item := range v {
			if job, ok := item.(map[string]any); ok {
				out = append(out, job)
			}
		}
	case []any:
		for _, item := range v {
			if job, ok := item.(map[string]any); ok {
				out = append(out, job)
			}
		}
	}
	return out
}

func setDefault(obj map[string]any, key string, val any) {
	if _, ok := obj[key]; !ok {
		obj[key] = val
	}
}

// normalizeTimes rewrites epoch-millisecond numbers as RFC 3339 strings.
func normalizeTimes(obj map[string]any, keys ...string) {
	for _, k := range keys {
		if ms, ok := obj[k].(float64); ok {
			obj[k] = time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
		}
	}
}

func numberOf(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
