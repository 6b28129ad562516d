package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned for unknown model IDs.
	ErrNotFound = errors.New("model not found")
	// ErrBadTransition is returned for disallowed lifecycle moves.
	ErrBadTransition = errors.New("invalid status transition")
	// ErrIntegrity is returned when a stored artifact fails its checksum.
	ErrIntegrity = errors.New("artifact checksum mismatch")
)

// Status is the lifecycle state of a registered model.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusTesting    Status = "testing"
	StatusStaging    Status = "staging"
	StatusProduction Status = "production"
	StatusArchived   Status = "archived"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:      {StatusTesting, StatusArchived},
	StatusTesting:    {StatusStaging, StatusDraft, StatusArchived},
	StatusStaging:    {StatusProduction, StatusTesting, StatusArchived},
	StatusProduction: {StatusArchived},
	StatusArchived:   {StatusTesting},
}

func validTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Metadata describes one registered model version.
type Metadata struct {
	ModelID       string             `json:"model_id"`
	Name          string             `json:"name"`
	Version       string             `json:"version"`
	Status        Status             `json:"status"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	HasClassifier bool               `json:"has_classifier"`
	FileHash      string             `json:"file_hash"`
	FileSize      int64              `json:"file_size"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

var (
	regModelsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudsentry", Subsystem: "registry", Name: "models_registered_total", Help: "Models registered."},
	)
	regPromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cloudsentry", Subsystem: "registry", Name: "promotions_total", Help: "Lifecycle promotions by transition."},
		[]string{"from", "to"},
	)
	regArtifactSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "cloudsentry", Subsystem: "registry", Name: "artifact_size_bytes", Help: "Serialized artifact size per model."},
		[]string{"model_id"},
	)
)

func init() {
	_ = prometheus.Register(regModelsRegistered)
	_ = prometheus.Register(regPromotions)
	_ = prometheus.Register(regArtifactSize)
}

// Registry stores model artifacts under a directory, one .model JSON
// plus one .json metadata file per version. The Redis client is
// optional: when present, metadata mirrors there for other instances.
type Registry struct {
	dir   string
	redis *redis.Client
	mu    sync.RWMutex
	index map[string]*Metadata
}

// New opens (or creates) a registry at dir. redisClient may be nil.
func New(dir string, redisClient *redis.Client) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	r := &Registry{dir: dir, redis: redisClient, index: make(map[string]*Metadata)}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register stores an artifact under a new draft model version and
// returns its metadata.
func (r *Registry) Register(ctx context.Context, name, version string, art *Artifact, metrics map[string]float64) (*Metadata, error) {
	data, err := art.Encode()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)

	now := time.Now().UTC()
	meta := &Metadata{
		ModelID:       modelID(name, version, now),
		Name:          name,
		Version:       version,
		Status:        StatusDraft,
		Metrics:       metrics,
		HasClassifier: art.Classifier != nil,
		FileHash:      hex.EncodeToString(sum[:]),
		FileSize:      int64(len(data)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := os.WriteFile(r.artifactPath(meta.ModelID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	r.mu.Lock()
	r.index[meta.ModelID] = meta
	r.mu.Unlock()

	if err := r.persist(ctx, meta); err != nil {
		return nil, err
	}

	regModelsRegistered.Inc()
	regArtifactSize.WithLabelValues(meta.ModelID).Set(float64(len(data)))
	return meta, nil
}

// Get returns metadata for one model, falling back to Redis when the
// local index misses.
func (r *Registry) Get(ctx context.Context, modelID string) (*Metadata, error) {
	r.mu.RLock()
	meta, ok := r.index[modelID]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}
	if r.redis == nil {
		return nil, fmt.Errorf("%s: %w", modelID, ErrNotFound)
	}
	data, err := r.redis.Get(ctx, redisKey(modelID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelID, ErrNotFound)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", modelID, err)
	}
	r.mu.Lock()
	r.index[modelID] = &m
	r.mu.Unlock()
	return &m, nil
}

// List returns registered models, newest first, optionally filtered by
// status ("" means all).
func (r *Registry) List(status Status) []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metadata, 0, len(r.index))
	for _, m := range r.index {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Promote moves a model to a new lifecycle status. Promoting to
// production demotes any currently-production model of the same name to
// archived so at most one version serves at a time.
func (r *Registry) Promote(ctx context.Context, modelID string, to Status) error {
	r.mu.Lock()
	meta, ok := r.index[modelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", modelID, ErrNotFound)
	}
	if !validTransition(meta.Status, to) {
		r.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", meta.Status, to, ErrBadTransition)
	}

	var demoted *Metadata
	if to == StatusProduction {
		for _, m := range r.index {
			if m.Name == meta.Name && m.Status == StatusProduction && m.ModelID != modelID {
				m.Status = StatusArchived
				m.UpdatedAt = time.Now().UTC()
				demoted = m
				break
			}
		}
	}

	from := meta.Status
	meta.Status = to
	meta.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if demoted != nil {
		if err := r.persist(ctx, demoted); err != nil {
			return err
		}
	}
	if err := r.persist(ctx, meta); err != nil {
		return err
	}
	regPromotions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// LoadArtifact reads and checksums one stored artifact.
func (r *Registry) LoadArtifact(ctx context.Context, modelID string) (*Artifact, error) {
	meta, err := r.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.artifactPath(modelID))
	if err != nil {
		return nil, fmt.Errorf("read artifact for %s: %w", modelID, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != meta.FileHash {
		return nil, fmt.Errorf("%s: %w", modelID, ErrIntegrity)
	}
	return DecodeArtifact(data)
}

// Production returns the artifact of the production model with the
// given name, or ErrNotFound when none is promoted.
func (r *Registry) Production(ctx context.Context, name string) (*Metadata, *Artifact, error) {
	var meta *Metadata
	for _, m := range r.List(StatusProduction) {
		if m.Name == name {
			meta = m
			break
		}
	}
	if meta == nil {
		return nil, nil, fmt.Errorf("no production model named %s: %w", name, ErrNotFound)
	}
	art, err := r.LoadArtifact(ctx, meta.ModelID)
	if err != nil {
		return nil, nil, err
	}
	return meta, art, nil
}

// Delete removes a model. Production models are archived instead.
func (r *Registry) Delete(ctx context.Context, modelID string) error {
	r.mu.Lock()
	meta, ok := r.index[modelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", modelID, ErrNotFound)
	}
	if meta.Status == StatusProduction {
		meta.Status = StatusArchived
		meta.UpdatedAt = time.Now().UTC()
		r.mu.Unlock()
		return r.persist(ctx, meta)
	}
	delete(r.index, modelID)
	r.mu.Unlock()

	if err := os.Remove(r.artifactPath(modelID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	if err := os.Remove(r.metadataPath(modelID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	if r.redis != nil {
		if err := r.redis.Del(ctx, redisKey(modelID)).Err(); err != nil {
			return fmt.Errorf("remove redis metadata: %w", err)
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(r.metadataPath(meta.ModelID), data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if r.redis != nil {
		if err := r.redis.Set(ctx, redisKey(meta.ModelID), data, 0).Err(); err != nil {
			return fmt.Errorf("mirror metadata to redis: %w", err)
		}
	}
	return nil
}

func (r *Registry) loadIndex() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read registry directory: %w", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil || m.ModelID == "" {
			continue
		}
		r.index[m.ModelID] = &m
	}
	return nil
}

func (r *Registry) artifactPath(modelID string) string {
	return filepath.Join(r.dir, modelID+".model")
}

func (r *Registry) metadataPath(modelID string) string {
	return filepath.Join(r.dir, modelID+".json")
}

func redisKey(modelID string) string {
	return "ml:model:" + modelID
}

func modelID(name, version string, at time.Time) string {
	sum := sha256.Sum256([]byte(name + "/" + version + "/" + at.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}
