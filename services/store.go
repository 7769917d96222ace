package services

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/protocol"
)

// Store persists the protocol records. Implementations must keep the
// audit log strictly append-only and ordered: AppendEntry rejects any
// entry whose sequence number is not exactly one past the study's
// current tail.
type Store interface {
	// WithTx runs fn as one unit of work: a state transition and its
	// audit append commit together or not at all.
	WithTx(fn func(tx Store) error) error

	CreateStudy(s *protocol.Study) error
	Study(id string) (*protocol.Study, error)
	Studies() ([]*protocol.Study, error)
	UpdateStudy(s *protocol.Study) error

	AddParticipant(p *protocol.Participant) error
	Participants(studyID string) ([]*protocol.Participant, error)

	AddDataset(d *protocol.Dataset) error
	Datasets(studyID string) ([]*protocol.Dataset, error)

	CreateJob(j *protocol.Job) error
	Job(id string) (*protocol.Job, error)
	Jobs(studyID string) ([]*protocol.Job, error)
	UpdateJob(j *protocol.Job) error

	// Audit log; satisfies ledger.Store.
	AppendEntry(e *ledger.Entry) error
	LastEntry(studyID string) (*ledger.Entry, error)
	Entries(studyID string) ([]*ledger.Entry, error)
}

// MemoryStore implements Store without a database, for testing and
// single-process demos. Reads and writes copy records so callers never
// share mutable state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	studies      map[string]*protocol.Study
	participants map[string][]*protocol.Participant
	datasets     map[string][]*protocol.Dataset
	jobs         map[string]*protocol.Job
	audit        map[string][]*ledger.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		studies:      make(map[string]*protocol.Study),
		participants: make(map[string][]*protocol.Participant),
		datasets:     make(map[string][]*protocol.Dataset),
		jobs:         make(map[string]*protocol.Job),
		audit:        make(map[string][]*ledger.Entry),
	}
}

// WithTx runs fn against the store itself. The orchestrator's per-study
// lock already serializes each unit of work, and the in-memory audit
// append cannot fail mid-unit, so there is no rollback state to keep.
func (m *MemoryStore) WithTx(fn func(tx Store) error) error {
	return fn(m)
}

func copyStudy(s *protocol.Study) *protocol.Study {
	c := *s
	c.CombinedPublicKey = slices.Clone(s.CombinedPublicKey)
	return &c
}

func copyJob(j *protocol.Job) *protocol.Job {
	c := *j
	c.SelectedColumns = slices.Clone(j.SelectedColumns)
	c.Params = maps.Clone(j.Params)
	c.Approvals = maps.Clone(j.Approvals)
	c.Shares = make(map[string][]byte, len(j.Shares))
	for inst, share := range j.Shares {
		c.Shares[inst] = slices.Clone(share)
	}
	c.EncryptedResult = slices.Clone(j.EncryptedResult)
	c.Result = slices.Clone(j.Result)
	return &c
}

func (m *MemoryStore) CreateStudy(s *protocol.Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[s.ID]; ok {
		return fmt.Errorf("study %s already exists", s.ID)
	}
	m.studies[s.ID] = copyStudy(s)
	return nil
}

func (m *MemoryStore) Study(id string) (*protocol.Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.studies[id]
	if !ok {
		return nil, protocol.NotFound("study", id)
	}
	return copyStudy(s), nil
}

func (m *MemoryStore) Studies() ([]*protocol.Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*protocol.Study, 0, len(m.studies))
	for _, s := range m.studies {
		out = append(out, copyStudy(s))
	}
	slices.SortFunc(out, func(a, b *protocol.Study) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateStudy(s *protocol.Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[s.ID]; !ok {
		return protocol.NotFound("study", s.ID)
	}
	m.studies[s.ID] = copyStudy(s)
	return nil
}

func (m *MemoryStore) AddParticipant(p *protocol.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	c.KeyShare = slices.Clone(p.KeyShare)
	m.participants[p.StudyID] = append(m.participants[p.StudyID], &c)
	return nil
}

func (m *MemoryStore) Participants(studyID string) ([]*protocol.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roster := m.participants[studyID]
	out := make([]*protocol.Participant, 0, len(roster))
	for _, p := range roster {
		c := *p
		c.KeyShare = slices.Clone(p.KeyShare)
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) AddDataset(d *protocol.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	c.Ciphertext = slices.Clone(d.Ciphertext)
	m.datasets[d.StudyID] = append(m.datasets[d.StudyID], &c)
	return nil
}

func (m *MemoryStore) Datasets(studyID string) ([]*protocol.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sets := m.datasets[studyID]
	out := make([]*protocol.Dataset, 0, len(sets))
	for _, d := range sets {
		c := *d
		c.Ciphertext = slices.Clone(d.Ciphertext)
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) CreateJob(j *protocol.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) Job(id string) (*protocol.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, protocol.NotFound("job", id)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) Jobs(studyID string) ([]*protocol.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*protocol.Job{}
	for _, j := range m.jobs {
		if j.StudyID == studyID {
			out = append(out, copyJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *protocol.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateJob(j *protocol.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return protocol.NotFound("job", j.ID)
	}
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) AppendEntry(e *ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.audit[e.StudyID]
	if e.Sequence != uint64(len(chain)) {
		return fmt.Errorf("stale audit append for study %s: sequence %d, tail %d", e.StudyID, e.Sequence, len(chain))
	}
	m.audit[e.StudyID] = append(chain, e)
	return nil
}

func (m *MemoryStore) LastEntry(studyID string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.audit[studyID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1], nil
}

func (m *MemoryStore) Entries(studyID string) ([]*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit[studyID]), nil
}
