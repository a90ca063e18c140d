package livedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/novaos/core/internal/kvs"
)

// Known-source statuses. A source degrades on its first failure, fails at the
// consecutive-failure threshold, and the weekly health sweep disables failed
// sources and re-enables disabled ones after the cooldown.
const (
	SourceActive   = "active"
	SourceDegraded = "degraded"
	SourceFailed   = "failed"
	SourceDisabled = "disabled"
)

const (
	// FailureThreshold is the consecutive-failure count at which a source
	// flips from degraded to failed.
	FailureThreshold = 3
	// ReenableAfter is how long a disabled source stays out of rotation.
	ReenableAfter = 7 * 24 * time.Hour
)

// KnownSource is one upstream endpoint a provider may fetch from.
type KnownSource struct {
	ID                  string     `json:"id"`
	Category            string     `json:"category"`
	BaseURL             string     `json:"base_url"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	DisabledAt          *time.Time `json:"disabled_at,omitempty"`
}

// Usable reports whether providers may fetch from the source.
func (s *KnownSource) Usable() bool {
	return s.Status == SourceActive || s.Status == SourceDegraded
}

// SourceStore persists known sources in the KVS under lens:source:{id},
// with lens:sources as the id index.
type SourceStore struct {
	store   kvs.Store
	logger  *log.Logger
	nowFunc func() time.Time
}

func NewSourceStore(store kvs.Store) *SourceStore {
	return &SourceStore{
		store:   store,
		logger:  log.New(log.Writer(), "[SOURCES] ", log.LstdFlags),
		nowFunc: time.Now,
	}
}

func sourceKey(id string) string { return "lens:source:" + id }

const sourceIndexKey = "lens:sources"

// Upsert writes the source and indexes its id.
func (ss *SourceStore) Upsert(ctx context.Context, src *KnownSource) error {
	if src.ID == "" {
		return fmt.Errorf("known source needs an id")
	}
	if src.Status == "" {
		src.Status = SourceActive
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal source %s: %w", src.ID, err)
	}
	if err := ss.store.Set(ctx, sourceKey(src.ID), string(data), 0); err != nil {
		return fmt.Errorf("store source %s: %w", src.ID, err)
	}
	return ss.store.SAdd(ctx, sourceIndexKey, src.ID)
}

// Get loads one source by id.
func (ss *SourceStore) Get(ctx context.Context, id string) (*KnownSource, error) {
	data, err := ss.store.Get(ctx, sourceKey(id))
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return nil, fmt.Errorf("known source %s: %w", id, kvs.ErrNotFound)
		}
		return nil, err
	}
	var src KnownSource
	if err := json.Unmarshal([]byte(data), &src); err != nil {
		return nil, fmt.Errorf("decode source %s: %w", id, err)
	}
	return &src, nil
}

// List returns all known sources in id order. Index entries whose record has
// vanished are skipped.
func (ss *SourceStore) List(ctx context.Context) ([]*KnownSource, error) {
	ids, err := ss.store.SMembers(ctx, sourceIndexKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	sources := make([]*KnownSource, 0, len(ids))
	for _, id := range ids {
		src, err := ss.Get(ctx, id)
		if errors.Is(err, kvs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// PickForCategory returns the first usable source for the category, active
// before degraded.
func (ss *SourceStore) PickForCategory(ctx context.Context, category string) (*KnownSource, error) {
	sources, err := ss.List(ctx)
	if err != nil {
		return nil, err
	}
	var degraded *KnownSource
	for _, src := range sources {
		if src.Category != category || !src.Usable() {
			continue
		}
		if src.Status == SourceActive {
			return src, nil
		}
		if degraded == nil {
			degraded = src
		}
	}
	if degraded != nil {
		return degraded, nil
	}
	return nil, fmt.Errorf("no usable source for category %s: %w", category, kvs.ErrNotFound)
}

// RecordSuccess resets the failure counter and restores active status, unless
// the source has been administratively disabled.
func (ss *SourceStore) RecordSuccess(ctx context.Context, id string) error {
	src, err := ss.Get(ctx, id)
	if err != nil {
		return err
	}
	now := ss.nowFunc()
	src.ConsecutiveFailures = 0
	src.LastSuccessAt = &now
	if src.Status != SourceDisabled {
		src.Status = SourceActive
	}
	return ss.Upsert(ctx, src)
}

// RecordFailure bumps the consecutive-failure counter. The first failures
// degrade the source; at the threshold it is marked failed and the weekly
// health sweep takes it out of rotation.
func (ss *SourceStore) RecordFailure(ctx context.Context, id string) error {
	src, err := ss.Get(ctx, id)
	if err != nil {
		return err
	}
	now := ss.nowFunc()
	src.ConsecutiveFailures++
	src.LastFailureAt = &now
	if src.Status != SourceDisabled {
		if src.ConsecutiveFailures >= FailureThreshold {
			src.Status = SourceFailed
		} else {
			src.Status = SourceDegraded
		}
	}
	ss.logger.Printf("source %s failure #%d status=%s", id, src.ConsecutiveFailures, src.Status)
	return ss.Upsert(ctx, src)
}

// Sweep applies the health policy across all sources: failed sources are
// disabled, and disabled sources past the cooldown come back active with a
// clean counter. Returns the ids whose status changed.
func (ss *SourceStore) Sweep(ctx context.Context) ([]string, error) {
	sources, err := ss.List(ctx)
	if err != nil {
		return nil, err
	}
	now := ss.nowFunc()

	var changed []string
	for _, src := range sources {
		switch src.Status {
		case SourceFailed:
			src.Status = SourceDisabled
			src.DisabledAt = &now
		case SourceDisabled:
			if src.DisabledAt != nil && now.Sub(*src.DisabledAt) >= ReenableAfter {
				src.Status = SourceActive
				src.ConsecutiveFailures = 0
				src.DisabledAt = nil
			} else {
				continue
			}
		default:
			continue
		}
		if err := ss.Upsert(ctx, src); err != nil {
			return changed, err
		}
		ss.logger.Printf("source %s -> %s", src.ID, src.Status)
		changed = append(changed, src.ID)
	}
	return changed, nil
}
