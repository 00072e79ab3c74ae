// Package mock provides an in-memory store.Store for unit tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// Store satisfies store.Store with maps guarded by a mutex.
// Errors set in the *Err fields are returned by the matching calls.
type Store struct {
	mu sync.Mutex

	APIKeys          map[uuid.UUID]*models.APIKey
	Algorithms       map[int64]*models.Algorithm
	ScoreAlgorithms  map[int64]*models.ScoreAlgorithm
	Datasets         map[int64]*models.Dataset
	Groundtruths     map[int64]*models.Groundtruth
	AlgorithmJobs    map[int64]*models.AlgorithmJob
	ScoreJobs        map[int64]*models.ScoreJob
	AlgorithmResults map[int64]*models.AlgorithmResult
	ScoreResults     map[int64]*models.ScoreResult

	PingErr     error
	CompleteErr error
	// ImageIDWrites counts SetAlgorithmImageID and SetScoreAlgorithmImageID calls.
	ImageIDWrites int

	nextID int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		APIKeys:          map[uuid.UUID]*models.APIKey{},
		Algorithms:       map[int64]*models.Algorithm{},
		ScoreAlgorithms:  map[int64]*models.ScoreAlgorithm{},
		Datasets:         map[int64]*models.Dataset{},
		Groundtruths:     map[int64]*models.Groundtruth{},
		AlgorithmJobs:    map[int64]*models.AlgorithmJob{},
		ScoreJobs:        map[int64]*models.ScoreJob{},
		AlgorithmResults: map[int64]*models.AlgorithmResult{},
		ScoreResults:     map[int64]*models.ScoreResult{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.APIKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.APIKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.APIKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	s.APIKeys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.APIKeys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.APIKeys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Catalog ---

func (s *Store) CreateAlgorithm(_ context.Context, a *models.Algorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Algorithms {
		if existing.Name == a.Name {
			return store.ErrDuplicateKey
		}
	}
	a.ID = s.id()
	a.CreatedAt, a.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	c := *a
	s.Algorithms[a.ID] = &c
	return nil
}

func (s *Store) GetAlgorithm(_ context.Context, id int64) (*models.Algorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Algorithms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) SetAlgorithmImageID(_ context.Context, id int64, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Algorithms[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ImageIDWrites++
	a.DockerImageID = &imageID
	return nil
}

func (s *Store) CreateScoreAlgorithm(_ context.Context, a *models.ScoreAlgorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ScoreAlgorithms {
		if existing.Name == a.Name {
			return store.ErrDuplicateKey
		}
	}
	a.ID = s.id()
	a.CreatedAt, a.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	c := *a
	s.ScoreAlgorithms[a.ID] = &c
	return nil
}

func (s *Store) GetScoreAlgorithm(_ context.Context, id int64) (*models.ScoreAlgorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ScoreAlgorithms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) SetScoreAlgorithmImageID(_ context.Context, id int64, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ScoreAlgorithms[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ImageIDWrites++
	a.DockerImageID = &imageID
	return nil
}

func (s *Store) CreateDataset(_ context.Context, d *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Datasets {
		if existing.Name == d.Name {
			return store.ErrDuplicateKey
		}
	}
	d.ID = s.id()
	d.CreatedAt = time.Now().UTC()
	c := *d
	s.Datasets[d.ID] = &c
	return nil
}

func (s *Store) GetDataset(_ context.Context, id int64) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Datasets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *Store) CreateGroundtruth(_ context.Context, g *models.Groundtruth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Groundtruths {
		if existing.Name == g.Name {
			return store.ErrDuplicateKey
		}
	}
	g.ID = s.id()
	g.CreatedAt = time.Now().UTC()
	c := *g
	s.Groundtruths[g.ID] = &c
	return nil
}

func (s *Store) GetGroundtruth(_ context.Context, id int64) (*models.Groundtruth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Groundtruths[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *g
	return &c, nil
}

// --- Jobs ---

func (s *Store) CreateAlgorithmJob(_ context.Context, job *models.AlgorithmJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Algorithms[job.AlgorithmID] == nil || s.Datasets[job.DatasetID] == nil {
		return store.ErrNotFound
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.ID == 0 {
		job.ID = s.id()
	}
	job.CreatedAt, job.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	c := *job
	s.AlgorithmJobs[job.ID] = &c
	return nil
}

func (s *Store) GetAlgorithmJob(_ context.Context, id int64) (*models.AlgorithmJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.AlgorithmJobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *Store) CreateScoreJob(_ context.Context, job *models.ScoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScoreAlgorithms[job.ScoreAlgorithmID] == nil || s.AlgorithmResults[job.AlgorithmResultID] == nil ||
		s.Groundtruths[job.GroundtruthID] == nil {
		return store.ErrNotFound
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.ID == 0 {
		job.ID = s.id()
	}
	job.CreatedAt, job.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	c := *job
	s.ScoreJobs[job.ID] = &c
	return nil
}

func (s *Store) GetScoreJob(_ context.Context, id int64) (*models.ScoreJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.ScoreJobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *Store) state(kind models.JobKind, id int64) (*models.JobState, error) {
	switch kind {
	case models.JobKindAlgorithm:
		if j, ok := s.AlgorithmJobs[id]; ok {
			return &j.JobState, nil
		}
	case models.JobKindScore:
		if j, ok := s.ScoreJobs[id]; ok {
			return &j.JobState, nil
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return nil, store.ErrNotFound
}

func transition(st *models.JobState, status models.JobStatus, failReason *string) error {
	if !store.ValidTransition(st.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, st.Status, status)
	}
	now := time.Now().UTC()
	st.Status = status
	if status == models.JobStatusRunning {
		st.StartedAt = &now
	}
	if status.Terminal() {
		st.CompletedAt = &now
	}
	if failReason != nil {
		st.FailReason = *failReason
	}
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, kind models.JobKind, id int64, status models.JobStatus, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(kind, id)
	if err != nil {
		return err
	}
	return transition(st, status, store.ApplyJobUpdateOptions(opts...))
}

func (s *Store) CompleteAlgorithmJob(_ context.Context, id int64, status models.JobStatus, failReason string, result *models.AlgorithmResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", store.ErrInvalidTransition, status)
	}
	st, err := s.state(models.JobKindAlgorithm, id)
	if err != nil {
		return err
	}
	if err := transition(st, status, &failReason); err != nil {
		return err
	}
	if result != nil {
		jobID := id
		result.ID = s.id()
		result.AlgorithmJobID = &jobID
		result.CreatedAt = time.Now().UTC()
		c := *result
		s.AlgorithmResults[result.ID] = &c
	}
	return nil
}

func (s *Store) CompleteScoreJob(_ context.Context, id int64, status models.JobStatus, failReason string, result *models.ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", store.ErrInvalidTransition, status)
	}
	st, err := s.state(models.JobKindScore, id)
	if err != nil {
		return err
	}
	if err := transition(st, status, &failReason); err != nil {
		return err
	}
	if result != nil {
		jobID := id
		result.ID = s.id()
		result.ScoreJobID = &jobID
		if result.ResultType == "" {
			result.ResultType = models.ResultTypeSimple
		}
		result.CreatedAt = time.Now().UTC()
		c := *result
		s.ScoreResults[result.ID] = &c
	}
	return nil
}

func (s *Store) ListStuckJobs(_ context.Context, kind models.JobKind, startedBefore time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states map[int64]*models.JobState
	switch kind {
	case models.JobKindAlgorithm:
		states = make(map[int64]*models.JobState, len(s.AlgorithmJobs))
		for id, j := range s.AlgorithmJobs {
			states[id] = &j.JobState
		}
	case models.JobKindScore:
		states = make(map[int64]*models.JobState, len(s.ScoreJobs))
		for id, j := range s.ScoreJobs {
			states[id] = &j.JobState
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}

	var ids []int64
	for id, st := range states {
		if st.Status == models.JobStatusRunning && st.StartedAt != nil && st.StartedAt.Before(startedBefore) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- Results ---

func (s *Store) GetAlgorithmResult(_ context.Context, id int64) (*models.AlgorithmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.AlgorithmResults[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) GetAlgorithmResultByJob(_ context.Context, jobID int64) (*models.AlgorithmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.AlgorithmResults {
		if r.AlgorithmJobID != nil && *r.AlgorithmJobID == jobID {
			c := *r
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetScoreResultByJob(_ context.Context, jobID int64) (*models.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ScoreResults {
		if r.ScoreJobID != nil && *r.ScoreJobID == jobID {
			c := *r
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

// AlgorithmResultsFor returns every result recorded for jobID.
func (s *Store) AlgorithmResultsFor(jobID int64) []*models.AlgorithmResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AlgorithmResult
	for _, r := range s.AlgorithmResults {
		if r.AlgorithmJobID != nil && *r.AlgorithmJobID == jobID {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

// ScoreResultsFor returns every result recorded for jobID.
func (s *Store) ScoreResultsFor(jobID int64) []*models.ScoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScoreResult
	for _, r := range s.ScoreResults {
		if r.ScoreJobID != nil && *r.ScoreJobID == jobID {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

// SetJobStartedAt backdates a job's start time for reaper tests.
func (s *Store) SetJobStartedAt(kind models.JobKind, id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, err := s.state(kind, id); err == nil {
		st.StartedAt = &at
	}
}

var _ store.Store = (*Store)(nil)
