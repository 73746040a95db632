// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Key layout:
//
//	deployment/<id>         JSON domain.Deployment
//	pipeline/<id>           JSON domain.PipelineExecution
//	active/deployment/<id>  empty, present while the deployment is in progress
//	active/pipeline/<id>    empty, present while the execution is in progress
const (
	deploymentPrefix = "deployment/"
	pipelinePrefix   = "pipeline/"
	activePrefix     = "active/"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// Store is the BadgerDB-backed record store.
//
// # Description
//
// Save writes the record and maintains the in-progress index in one
// transaction, so a crash never leaves a terminal record listed as in
// progress or the reverse. Terminal records get the configured
// retention as TTL.
//
// # Thread Safety
//
// Store is safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the store.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is set.
//
// # Outputs
//
//   - *Store: The store. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
//
// # Example
//
//	st, err := store.Open(store.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, cfg: cfg, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// OpenInMemory opens a store that keeps nothing on disk.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// =============================================================================
// Deployments
// =============================================================================

// SaveDeployment writes d, replacing any earlier version.
func (s *Store) SaveDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: deployment without id", domain.ErrInvalidConfig)
	}
	return s.save(ctx, deploymentPrefix, d.ID, d, d.IsTerminal())
}

// LoadDeployment reads one deployment. Unknown ids return
// domain.ErrNotFound.
func (s *Store) LoadDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := s.load(ctx, deploymentPrefix, id, &d); err != nil {
		return nil, fmt.Errorf("deployment %s: %w", id, err)
	}
	return &d, nil
}

// ListInProgressDeployments returns every deployment not yet terminal.
func (s *Store) ListInProgressDeployments(ctx context.Context) ([]*domain.Deployment, error) {
	var out []*domain.Deployment
	err := s.listActive(ctx, deploymentPrefix, func(raw []byte) error {
		var d domain.Deployment
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		out = append(out, &d)
		return nil
	})
	return out, err
}

// ListDeployments returns stored deployments, newest first, optionally
// filtered by service. A limit of zero returns everything.
func (s *Store) ListDeployments(ctx context.Context, service string, limit int) ([]*domain.Deployment, error) {
	var out []*domain.Deployment
	err := s.scan(ctx, deploymentPrefix, func(raw []byte) error {
		var d domain.Deployment
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		if service == "" || d.Service == service {
			out = append(out, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Pipelines
// =============================================================================

// SavePipeline writes rec, replacing any earlier version.
func (s *Store) SavePipeline(ctx context.Context, rec *domain.PipelineExecution) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: pipeline execution without id", domain.ErrInvalidConfig)
	}
	return s.save(ctx, pipelinePrefix, rec.ID, rec, rec.IsTerminal())
}

// LoadPipeline reads one execution. Unknown ids return domain.ErrNotFound.
func (s *Store) LoadPipeline(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	var rec domain.PipelineExecution
	if err := s.load(ctx, pipelinePrefix, id, &rec); err != nil {
		return nil, fmt.Errorf("pipeline execution %s: %w", id, err)
	}
	return &rec, nil
}

// ListInProgressPipelines returns every execution not yet terminal.
func (s *Store) ListInProgressPipelines(ctx context.Context) ([]*domain.PipelineExecution, error) {
	var out []*domain.PipelineExecution
	err := s.listActive(ctx, pipelinePrefix, func(raw []byte) error {
		var rec domain.PipelineExecution
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// ListPipelines returns stored executions, newest first. A limit of zero
// returns everything.
func (s *Store) ListPipelines(ctx context.Context, limit int) ([]*domain.PipelineExecution, error) {
	var out []*domain.PipelineExecution
	err := s.scan(ctx, pipelinePrefix, func(raw []byte) error {
		var rec domain.PipelineExecution
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Internals
// =============================================================================

func (s *Store) save(ctx context.Context, prefix, id string, v any, terminal bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", prefix, id, err)
	}
	key := []byte(prefix + id)
	marker := []byte(activePrefix + prefix + id)

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, raw)
		if terminal && s.cfg.Retention > 0 {
			entry = entry.WithTTL(s.cfg.Retention)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if terminal {
			return txn.Delete(marker)
		}
		return txn.Set(marker, nil)
	})
	return s.wrap(err, "save "+prefix+id)
}

func (s *Store) load(ctx context.Context, prefix, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	return s.wrap(err, "load "+prefix+id)
}

// listActive walks the in-progress index for prefix and decodes each
// referenced record. Markers whose record vanished are skipped.
func (s *Store) listActive(ctx context.Context, prefix string, fn func(raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	markerPrefix := []byte(activePrefix + prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = markerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(markerPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(markerPrefix):])
			item, err := txn.Get([]byte(prefix + id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.logger.Warn("in-progress index references a missing record", slog.String("key", prefix+id))
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(fn); err != nil {
				return fmt.Errorf("decode %s%s: %w", prefix, id, err)
			}
		}
		return nil
	})
	return s.wrap(err, "list in-progress "+prefix)
}

func (s *Store) scan(ctx context.Context, prefix string, fn func(raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return s.wrap(err, "scan "+prefix)
}

func (s *Store) wrap(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%s: %w", op, ErrClosed)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
