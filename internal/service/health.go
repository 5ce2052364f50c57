package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/models"
)

// statsFileVersion guards the on-disk schema of the stats file.
const statsFileVersion = 1

// snapBackFactor is applied to the failure score on every success.
const snapBackFactor = 0.2

// modelHealth tracks one model's health state. The registry map is
// guarded by an RWMutex; each entry has its own mutex so updates to
// different models do not contend.
type modelHealth struct {
	mu    sync.Mutex
	stats models.ModelStats
}

// decayLocked applies lazy time decay up to now. Caller holds mu.
func (h *modelHealth) decayLocked(now time.Time, ratePerMin float64) {
	if h.stats.FailureScore <= 0 || ratePerMin <= 0 || h.stats.LastUpdate.IsZero() {
		h.stats.LastUpdate = now
		return
	}
	elapsed := now.Sub(h.stats.LastUpdate)
	if elapsed <= 0 {
		return
	}
	h.stats.FailureScore -= ratePerMin * elapsed.Minutes()
	if h.stats.FailureScore < 0 {
		h.stats.FailureScore = 0
	}
	h.stats.LastUpdate = now
}

// HealthRegistry tracks per-model failure scores with lazy time decay
// and persists them across restarts.
type HealthRegistry struct {
	decayRate float64 // points per minute
	path      string
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	states map[string]*modelHealth

	dirty  chan struct{}
	done   chan struct{}
	closed sync.Once
}

// NewHealthRegistry creates a registry. path may be empty to disable
// persistence (tests).
func NewHealthRegistry(decayRate float64, path string, logger *zap.Logger) *HealthRegistry {
	r := &HealthRegistry{
		decayRate: decayRate,
		path:      path,
		logger:    logger,
		now:       time.Now,
		states:    make(map[string]*modelHealth),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	return r
}

// Start loads persisted stats and launches the debounced writer.
func (r *HealthRegistry) Start() {
	if r.path == "" {
		return
	}
	if err := r.load(); err != nil {
		r.logger.Warn("model stats not loaded", zap.String("path", r.path), zap.Error(err))
	}
	go r.persistLoop()
}

// Close flushes pending stats and stops the writer.
func (r *HealthRegistry) Close() {
	r.closed.Do(func() {
		close(r.done)
	})
	if r.path != "" {
		if err := r.persist(); err != nil {
			r.logger.Error("final stats persist failed", zap.Error(err))
		}
	}
}

func (r *HealthRegistry) entry(model string) *modelHealth {
	r.mu.RLock()
	h, ok := r.states[model]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.states[model]; ok {
		return h
	}
	h = &modelHealth{}
	r.states[model] = h
	return h
}

// OnSuccess records a successful attempt and snaps the failure score
// back toward zero.
func (r *HealthRegistry) OnSuccess(model string) {
	h := r.entry(model)
	now := r.now()

	h.mu.Lock()
	h.decayLocked(now, r.decayRate)
	h.stats.Success++
	h.stats.FailureScore *= snapBackFactor
	if h.stats.FailureScore < 1e-9 {
		h.stats.FailureScore = 0
	}
	h.stats.LastErrorKind = ""
	h.stats.LastUpdate = now
	h.mu.Unlock()

	r.markDirty()
}

// OnFailure records a failed attempt, adding the kind's penalty.
func (r *HealthRegistry) OnFailure(model string, kind models.FailureKind) {
	h := r.entry(model)
	now := r.now()

	h.mu.Lock()
	h.decayLocked(now, r.decayRate)
	h.stats.Failures++
	h.stats.FailureScore += kind.Penalty()
	h.stats.LastErrorKind = kind
	h.stats.LastUpdate = now
	h.mu.Unlock()

	r.markDirty()
}

// Score returns the current decayed failure score. Reading applies the
// decay so idle models recover without traffic.
func (r *HealthRegistry) Score(model string) float64 {
	h := r.entry(model)
	now := r.now()

	h.mu.Lock()
	h.decayLocked(now, r.decayRate)
	score := h.stats.FailureScore
	h.mu.Unlock()
	return score
}

// Weight maps the failure score onto (0,1] for adaptive selection.
func (r *HealthRegistry) Weight(model string) float64 {
	return 1 / (1 + r.Score(model)*models.HealthScaleK)
}

// Stats returns a decayed snapshot for one model.
func (r *HealthRegistry) Stats(model string) models.ModelStats {
	h := r.entry(model)
	now := r.now()

	h.mu.Lock()
	h.decayLocked(now, r.decayRate)
	stats := h.stats
	h.mu.Unlock()
	return stats
}

// Snapshot returns decayed stats for every tracked model.
func (r *HealthRegistry) Snapshot() map[string]models.ModelStats {
	r.mu.RLock()
	names := make([]string, 0, len(r.states))
	for name := range r.states {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]models.ModelStats, len(names))
	for _, name := range names {
		out[name] = r.Stats(name)
	}
	return out
}

// PruneExcept drops stats for models no longer configured.
func (r *HealthRegistry) PruneExcept(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	r.mu.Lock()
	for name := range r.states {
		if _, ok := keepSet[name]; !ok {
			delete(r.states, name)
		}
	}
	r.mu.Unlock()

	r.markDirty()
}

// markDirty schedules a debounced persist. The channel has capacity one;
// a pending notification absorbs further marks.
func (r *HealthRegistry) markDirty() {
	if r.path == "" {
		return
	}
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// persistLoop is the single writer. Updates are debounced so bursts of
// traffic produce one write.
func (r *HealthRegistry) persistLoop() {
	const debounce = 2 * time.Second
	for {
		select {
		case <-r.done:
			return
		case <-r.dirty:
			timer := time.NewTimer(debounce)
			select {
			case <-r.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := r.persist(); err != nil {
				r.logger.Error("model stats persist failed", zap.Error(err))
			}
		}
	}
}

// statsFile is the on-disk schema.
type statsFile struct {
	Version int                         `json:"version"`
	SavedAt time.Time                   `json:"saved_at"`
	Models  map[string]models.ModelStats `json:"models"`
}

// persist writes the stats file atomically (temp file + rename).
func (r *HealthRegistry) persist() error {
	file := statsFile{
		Version: statsFileVersion,
		SavedAt: r.now(),
		Models:  r.Snapshot(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename stats: %w", err)
	}
	return nil
}

// load restores stats from disk. A missing file or version mismatch
// starts fresh.
func (r *HealthRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file statsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse stats: %w", err)
	}
	if file.Version != statsFileVersion {
		r.logger.Warn("stats file version mismatch, starting fresh",
			zap.Int("found", file.Version),
			zap.Int("want", statsFileVersion))
		return nil
	}

	r.mu.Lock()
	for name, stats := range file.Models {
		r.states[name] = &modelHealth{stats: stats}
	}
	r.mu.Unlock()

	r.logger.Info("model stats loaded",
		zap.String("path", r.path),
		zap.Int("models", len(file.Models)))
	return nil
}

// Flush persists synchronously; used by tests and shutdown paths.
func (r *HealthRegistry) Flush(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.persist() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
