package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/internal/vault"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// Persistence handles the disk I/O for the Store: one JSON envelope file.
type Persistence struct {
	Path string

	mu       sync.Mutex // Protects concurrent writes to the filesystem
	lastGen  uint64
	migrator *Migrator
	sealer   *vault.Sealer
	log      *logger.Logger
}

// Option configures a Persistence.
type Option func(*Persistence)

// WithSealer encrypts moment content at rest.
func WithSealer(s *vault.Sealer) Option { return func(p *Persistence) { p.sealer = s } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(p *Persistence) { p.log = l } }

// WithMigrator replaces the built-in migration chain.
func WithMigrator(m *Migrator) Option { return func(p *Persistence) { p.migrator = m } }

// LoadResult describes how the envelope was obtained.
type LoadResult struct {
	Migration MigrationResult
	// Fresh is set when the envelope was created empty instead of read.
	Fresh bool
}

// NewPersistence initializes a persistence handler for path.
func NewPersistence(path string, opts ...Option) (*Persistence, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	p := &Persistence{Path: path}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	p.log = p.log.With("component", "Persistence")
	if p.migrator == nil {
		p.migrator = NewMigrator(p.log)
	}
	return p, nil
}

// Load reads, migrates and decodes the envelope. It always returns a usable
// envelope; when the file is missing or unusable the envelope is empty and the
// error is a *LoadError. A migration step that fails keeps the progress of the
// earlier steps: the partial envelope is returned together with a *LoadError.
// An unusable file is kept aside as a backup so the first save does not
// destroy it.
func (p *Persistence) Load() (*schema.Envelope, LoadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := func(err error) (*schema.Envelope, LoadResult, error) {
		return schema.NewEnvelope(), LoadResult{Fresh: true}, &LoadError{Path: p.Path, Err: err}
	}

	content, err := os.ReadFile(p.Path)
	if err != nil {
		return fresh(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		p.backup(content, "corrupt")
		return fresh(fmt.Errorf("parse envelope: %w", err))
	}
	if doc == nil {
		doc = map[string]any{}
	}

	res, migErr := p.migrator.Migrate(doc)
	if migErr != nil {
		// Keep what the earlier steps upgraded; doc is stamped with the last
		// version reached.
		p.backup(content, "corrupt")
		if versionOf(doc) > p.migrator.Target() {
			return fresh(migErr)
		}
		res.Missing = p.migrator.verify(doc)
		p.log.Warn("Migration stopped early; loading the partially migrated envelope",
			"path", p.Path, "version", versionOf(doc), "error", migErr)
	}

	migrated, err := json.Marshal(doc)
	if err != nil {
		return fresh(err)
	}
	env := schema.NewEnvelope()
	if err := json.Unmarshal(migrated, env); err != nil {
		p.backup(content, "corrupt")
		return fresh(fmt.Errorf("decode envelope: %w", err))
	}
	normalize(env)
	if err := p.open(env); err != nil {
		p.backup(content, "sealed")
		return fresh(err)
	}
	if migErr != nil {
		return env, LoadResult{Migration: res}, &LoadError{Path: p.Path, Err: migErr}
	}
	return env, LoadResult{Migration: res}, nil
}

// Save writes env atomically. gen orders snapshots: a snapshot older than the
// last one written is skipped. gen 0 always writes.
func (p *Persistence) Save(env *schema.Envelope, gen uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != 0 && gen < p.lastGen {
		p.log.Debug("Skipping stale snapshot", "gen", gen, "last_gen", p.lastGen)
		return nil
	}

	out, err := p.seal(env)
	if err != nil {
		return &SaveError{Path: p.Path, Err: err}
	}

	// 1. Convert envelope to JSON bytes
	bytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return &SaveError{Path: p.Path, Err: err}
	}

	// 2. Write to a temporary file first
	tempPath := p.Path + ".tmp"
	if err := os.WriteFile(tempPath, bytes, 0600); err != nil {
		return &SaveError{Path: p.Path, Err: err}
	}

	// 3. Atomic rename: readers see either the old file or the new one.
	if err := os.Rename(tempPath, p.Path); err != nil {
		return &SaveError{Path: p.Path, Err: err}
	}
	if gen > p.lastGen {
		p.lastGen = gen
	}
	return nil
}

func (p *Persistence) backup(content []byte, suffix string) {
	name := fmt.Sprintf("%s.%s-%d.bak", p.Path, suffix, time.Now().UnixNano())
	if err := os.WriteFile(name, content, 0600); err != nil {
		p.log.Error("Could not keep backup of unreadable envelope", "path", name, "error", err)
		return
	}
	p.log.Warn("Kept backup of unreadable envelope", "path", name)
}

// seal returns env with moment content encrypted, or env itself without a sealer.
func (p *Persistence) seal(env *schema.Envelope) (*schema.Envelope, error) {
	if p.sealer == nil {
		return env, nil
	}
	out := *env
	out.Moments = make(map[string][]schema.Moment, len(env.Moments))
	for userID, list := range env.Moments {
		sealed := make([]schema.Moment, len(list))
		for i, m := range list {
			c, err := p.sealer.Seal(m.Content)
			if err != nil {
				return nil, fmt.Errorf("seal moment %s/%d: %w", userID, m.ID, err)
			}
			m.Content = c
			sealed[i] = m
		}
		out.Moments[userID] = sealed
	}
	return &out, nil
}

func (p *Persistence) open(env *schema.Envelope) error {
	for userID, list := range env.Moments {
		for i := range list {
			if !vault.IsSealed(list[i].Content) {
				continue
			}
			if p.sealer == nil {
				return fmt.Errorf("moment %s/%d is sealed but no content key is configured", userID, list[i].ID)
			}
			c, err := p.sealer.Open(list[i].Content)
			if err != nil {
				return fmt.Errorf("open moment %s/%d: %w", userID, list[i].ID, err)
			}
			list[i].Content = c
		}
	}
	return nil
}

// normalize fills nil collections and backfills fields the wire format may omit.
func normalize(env *schema.Envelope) {
	if env.Users == nil {
		env.Users = make(map[string]schema.UserProfile)
	}
	if env.Moments == nil {
		env.Moments = make(map[string][]schema.Moment)
	}
	if env.ScheduledJobs == nil {
		env.ScheduledJobs = make(map[string]schema.Job)
	}
	for id, u := range env.Users {
		if u.ID == "" {
			u.ID = id
			env.Users[id] = u
		}
	}
	for userID, j := range env.ScheduledJobs {
		if j.UserID == "" {
			j.UserID = userID
		}
		if j.Type == "" {
			j.Type = schema.JobMomentPrompt
		}
		if j.Status == "" {
			j.Status = schema.JobScheduled
		}
		env.ScheduledJobs[userID] = j
	}
}

// IsNotExist reports whether a load failed only because there was no file yet.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
