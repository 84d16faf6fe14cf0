package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fleetgraph/orchestrator/internal/model"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketTasks     = []byte("tasks")
	bucketEstimates = []byte("estimates")
	bucketVersions  = []byte("versions")
)

// DefinedTask is the task shape a WorkflowDefinition snapshots — the same
// fields coordinator.TaskDefinition carries, duplicated here rather than
// imported so the store package (which the coordinator itself depends on)
// has no dependency back onto it.
type DefinedTask struct {
	TaskID    string                 `json:"task_id"`
	Agent     string                 `json:"agent"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
}

// WorkflowDefinition is one named, versioned snapshot of a task graph, the
// same shape the trigger scheduler's WorkflowTemplate carries but durable
// across restarts so an operator can audit what a given run was started
// from.
type WorkflowDefinition struct {
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Tasks     []DefinedTask          `json:"tasks"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// BoltStore is the durable default RecordsStore/RuntimeEstimates backend:
// a pure-Go embedded database, chosen (as in the system this package is
// descended from) so the orchestrator has no C dependency to deploy. A hot
// in-memory cache of workflow records avoids a disk round trip for the
// counters the coordinator touches on every task completion.
type BoltStore struct {
	db *bbolt.DB
	mu sync.RWMutex

	wfCache map[string]*model.Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenBoltStore opens (creating if absent) a BoltDB file at path and
// prepares its buckets.
func OpenBoltStore(path string, meter metric.Meter) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketEstimates, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("orch_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("orch_store_write_ms")
	s := &BoltStore{db: db, wfCache: make(map[string]*model.Workflow), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *BoltStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(k, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.wfCache[string(k)] = &wf
			return nil
		})
	})
}

// Close flushes and closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) record(metric_ metric.Float64Histogram, ctx context.Context, op string, start time.Time) {
	metric_.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *BoltStore) PutWorkflow(ctx context.Context, wf *model.Workflow) error {
	start := time.Now()
	defer s.record(s.writeLatency, ctx, "put_workflow", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.RunID), data)
	})
	if err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	cp := *wf
	s.wfCache[wf.RunID] = &cp
	return nil
}

func (s *BoltStore) GetWorkflow(ctx context.Context, runID string) (*model.Workflow, bool, error) {
	start := time.Now()
	defer s.record(s.readLatency, ctx, "get_workflow", start)

	s.mu.RLock()
	if wf, ok := s.wfCache[runID]; ok {
		cp := *wf
		s.mu.RUnlock()
		return &cp, true, nil
	}
	s.mu.RUnlock()

	var wf model.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketWorkflows).Get([]byte(runID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &wf)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &wf, true, nil
}

func (s *BoltStore) ListWorkflows(ctx context.Context, statusFilter model.WorkflowStatus, limit int) ([]*model.Workflow, error) {
	var out []*model.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			if statusFilter != "" && wf.Status != statusFilter {
				return nil
			}
			out = append(out, &wf)
			if limit > 0 && len(out) >= limit {
				return errStopIteration
			}
			return nil
		})
	})
	if err == errStopIteration {
		err = nil
	}
	return out, err
}

var errStopIteration = fmt.Errorf("stop iteration")

func (s *BoltStore) taskKey(runID, taskID string) []byte {
	return []byte(runID + "/" + taskID)
}

func (s *BoltStore) PutTask(ctx context.Context, task *model.Task) error {
	start := time.Now()
	defer s.record(s.writeLatency, ctx, "put_task", start)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put(s.taskKey(task.RunID, task.TaskID), data)
	})
}

func (s *BoltStore) GetTask(ctx context.Context, runID, taskID string) (*model.Task, bool, error) {
	start := time.Now()
	defer s.record(s.readLatency, ctx, "get_task", start)

	var task model.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTasks).Get(s.taskKey(runID, taskID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &task)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &task, true, nil
}

func (s *BoltStore) ListTasks(ctx context.Context, runID string) ([]*model.Task, error) {
	var out []*model.Task
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var task model.Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			out = append(out, &task)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) IncrementCounters(ctx context.Context, runID string, completedDelta, failedDelta int) (model.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.wfCache[runID]
	if !ok {
		v, found, err := s.GetWorkflow(ctx, runID)
		if err != nil || !found {
			return model.Counters{}, err
		}
		wf = v
	}
	wf.Counters.Completed += completedDelta
	wf.Counters.Failed += failedDelta

	data, err := json.Marshal(wf)
	if err != nil {
		return model.Counters{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(runID), data)
	})
	if err != nil {
		return model.Counters{}, err
	}
	cp := *wf
	s.wfCache[runID] = &cp
	return wf.Counters, nil
}

// versionKey sorts lexicographically by version within a name's prefix
// since bbolt keys are stored in byte order; 6 digits covers any
// realistic version count without re-keying.
func versionKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", name, version))
}

// PutWorkflowDefinition stores a new version of a named workflow template,
// auto-incrementing from the highest version already on record, so an
// operator can see what a triggered run was started from after the fact.
func (s *BoltStore) PutWorkflowDefinition(ctx context.Context, name string, tasks []DefinedTask, metadata map[string]interface{}, createdAt time.Time) (*WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.listDefinitionVersionsLocked(name)
	if err != nil {
		return nil, fmt.Errorf("list prior versions: %w", err)
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	def := &WorkflowDefinition{Name: name, Version: next, Tasks: tasks, Metadata: metadata, CreatedAt: createdAt}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow definition: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).Put(versionKey(name, next), data)
	})
	if err != nil {
		return nil, fmt.Errorf("put workflow definition: %w", err)
	}
	return def, nil
}

// GetWorkflowDefinition returns a specific version, or the latest when
// version is 0.
func (s *BoltStore) GetWorkflowDefinition(ctx context.Context, name string, version int) (*WorkflowDefinition, bool, error) {
	versions, err := s.ListWorkflowDefinitions(ctx, name)
	if err != nil || len(versions) == 0 {
		return nil, false, err
	}
	if version == 0 {
		return versions[len(versions)-1], true, nil
	}
	for _, v := range versions {
		if v.Version == version {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// ListWorkflowDefinitions returns every stored version of name, oldest
// first.
func (s *BoltStore) ListWorkflowDefinitions(ctx context.Context, name string) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDefinitionVersionsLocked(name)
}

func (s *BoltStore) listDefinitionVersionsLocked(name string) ([]*WorkflowDefinition, error) {
	var out []*WorkflowDefinition
	prefix := []byte(name + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var def WorkflowDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				continue
			}
			out = append(out, &def)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Get(ctx context.Context, agent, action string, defaultSeconds float64) (float64, error) {
	var v float64
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEstimates).Get([]byte(estKey(agent, action)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return defaultSeconds, err
	}
	if !found {
		return defaultSeconds, nil
	}
	return v, nil
}

func (s *BoltStore) Update(ctx context.Context, agent, action string, actualSeconds float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, agent, action, actualSeconds)
	if err != nil {
		return 0, err
	}
	next := actualSeconds
	if cur != actualSeconds {
		next = 0.7*cur + 0.3*actualSeconds
	}
	data, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEstimates).Put([]byte(estKey(agent, action)), data)
	})
	return next, err
}
