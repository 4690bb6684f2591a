package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/surveyor/pkg/types"
)

var (
	bucketSuites = []byte("suites")
	bucketEnvs   = []byte("envs")
	bucketTasks  = []byte("tasks")
)

// BoltStore implements Store on top of a single bbolt file, treated as
// a transactional key/value surface: FetchRunnable and
// SetSuiteTaskStates do their own filtering over bucket contents
// rather than delegating to a query engine.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "surveyor.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSuites, bucketEnvs, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// CreateSuite assigns IDs to the suite and its environment and task
// rows and writes all three in one transaction. A suite and its
// environment share the same ID: the model is one env per suite.
func (s *BoltStore) CreateSuite(suite *types.BenchmarkSuite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		suites := tx.Bucket(bucketSuites)
		envs := tx.Bucket(bucketEnvs)
		tasks := tx.Bucket(bucketTasks)

		seq, err := suites.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate suite id: %w", err)
		}
		suite.ID = int64(seq)
		suite.Env.ID = suite.ID
		suite.Env.SuiteID = suite.ID

		envData, err := json.Marshal(suite.Env)
		if err != nil {
			return fmt.Errorf("marshal env: %w", err)
		}
		if err := envs.Put(idKey(suite.ID), envData); err != nil {
			return err
		}

		for _, task := range suite.Tasks {
			taskSeq, err := tasks.NextSequence()
			if err != nil {
				return fmt.Errorf("allocate task id: %w", err)
			}
			task.ID = int64(taskSeq)
			task.SuiteID = suite.ID
			if task.State == "" {
				task.State = types.TaskStatePending
			}
			taskData, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}
			if err := tasks.Put(idKey(task.ID), taskData); err != nil {
				return err
			}
		}

		env := suite.Env
		taskList := suite.Tasks
		suite.Env = nil
		suite.Tasks = nil
		suiteData, err := json.Marshal(suite)
		suite.Env = env
		suite.Tasks = taskList
		if err != nil {
			return fmt.Errorf("marshal suite: %w", err)
		}
		return suites.Put(idKey(suite.ID), suiteData)
	})
}

// GetSuite returns a suite with its environment and tasks assembled.
func (s *BoltStore) GetSuite(id int64) (*types.BenchmarkSuite, error) {
	var suite types.BenchmarkSuite
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuites).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("suite not found: %d", id)
		}
		if err := json.Unmarshal(data, &suite); err != nil {
			return err
		}

		envData := tx.Bucket(bucketEnvs).Get(idKey(id))
		if envData == nil {
			return fmt.Errorf("env not found for suite: %d", id)
		}
		var env types.RuntimeEnv
		if err := json.Unmarshal(envData, &env); err != nil {
			return err
		}
		suite.Env = &env

		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.BenchmarkTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.SuiteID == id {
				suite.Tasks = append(suite.Tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &suite, nil
}

// ListSuites returns every suite's metadata and environment, without
// populating Tasks (callers that need tasks call GetSuite or
// ListTasksBySuite directly; listing every suite's full task history
// at once is not a use case the API needs).
func (s *BoltStore) ListSuites() ([]*types.BenchmarkSuite, error) {
	var suites []*types.BenchmarkSuite
	err := s.db.View(func(tx *bolt.Tx) error {
		envsBucket := tx.Bucket(bucketEnvs)
		return tx.Bucket(bucketSuites).ForEach(func(k, v []byte) error {
			var suite types.BenchmarkSuite
			if err := json.Unmarshal(v, &suite); err != nil {
				return err
			}
			if envData := envsBucket.Get(k); envData != nil {
				var env types.RuntimeEnv
				if err := json.Unmarshal(envData, &env); err != nil {
					return err
				}
				suite.Env = &env
			}
			suites = append(suites, &suite)
			return nil
		})
	})
	return suites, err
}

// DeleteSuite removes a suite, its environment, and every task of it.
func (s *BoltStore) DeleteSuite(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSuites).Delete(idKey(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEnvs).Delete(idKey(id)); err != nil {
			return err
		}

		tasks := tx.Bucket(bucketTasks)
		var stale [][]byte
		err := tasks.ForEach(func(k, v []byte) error {
			var task types.BenchmarkTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.SuiteID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := tasks.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask returns a single task by id.
func (s *BoltStore) GetTask(id int64) (*types.BenchmarkTask, error) {
	var task types.BenchmarkTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksBySuite returns every task of a suite, ascending by id.
func (s *BoltStore) ListTasksBySuite(suiteID int64) ([]*types.BenchmarkTask, error) {
	var tasks []*types.BenchmarkTask
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.BenchmarkTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.SuiteID == suiteID {
				tasks = append(tasks, &task)
			}
		}
		return nil
	})
	return tasks, err
}

// UpdateTask upserts a task row.
func (s *BoltStore) UpdateTask(task *types.BenchmarkTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(idKey(task.ID), data)
	})
}

// SetSuiteTaskStates bulk-transitions a suite's tasks currently in
// `from` to `to`, used by pause/resume.
func (s *BoltStore) SetSuiteTaskStates(suiteID int64, from, to types.TaskState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.BenchmarkTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.SuiteID != suiteID || task.State != from {
				continue
			}
			task.State = to
			data, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			if err := tasks.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchRunnable returns the lowest-id pending task whose environment
// fits within the caller's spare capacity, falling back to the
// lowest-id stale-assigned task if no pending task fits. Returns nil,
// nil if nothing qualifies.
func (s *BoltStore) FetchRunnable(availableCores int, availableMemory int64) (*types.BenchmarkTask, error) {
	now := time.Now().UTC()
	envCache := make(map[int64]*types.RuntimeEnv)

	var pending, stale *types.BenchmarkTask
	err := s.db.View(func(tx *bolt.Tx) error {
		envsBucket := tx.Bucket(bucketEnvs)
		getEnv := func(suiteID int64) (*types.RuntimeEnv, error) {
			if env, ok := envCache[suiteID]; ok {
				return env, nil
			}
			data := envsBucket.Get(idKey(suiteID))
			if data == nil {
				return nil, fmt.Errorf("env not found for suite: %d", suiteID)
			}
			var env types.RuntimeEnv
			if err := json.Unmarshal(data, &env); err != nil {
				return nil, err
			}
			envCache[suiteID] = &env
			return &env, nil
		}

		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if pending != nil && stale != nil {
				break
			}
			var task types.BenchmarkTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}

			switch {
			case task.State == types.TaskStatePending && pending == nil:
				env, err := getEnv(task.SuiteID)
				if err != nil {
					return err
				}
				if fits(env, availableCores, availableMemory) {
					t := task
					pending = &t
				}
			case task.State == types.TaskStateAssigned && stale == nil && task.IsStale(now):
				env, err := getEnv(task.SuiteID)
				if err != nil {
					return err
				}
				if fits(env, availableCores, availableMemory) {
					t := task
					stale = &t
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}
	return stale, nil
}

func fits(env *types.RuntimeEnv, availableCores int, availableMemory int64) bool {
	return env.CPULimit <= availableCores && env.MemoryLimit <= availableMemory
}

// AcquireTask atomically claims a task for runnerID, re-validating
// under the write transaction that it is still pending or stale
// rather than trusting the snapshot FetchRunnable returned.
func (s *BoltStore) AcquireTask(taskID int64, runnerID string) (*types.BenchmarkTask, error) {
	var task types.BenchmarkTask
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get(idKey(taskID))
		if data == nil {
			return fmt.Errorf("task not found: %d", taskID)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		eligible := task.State == types.TaskStatePending ||
			(task.State == types.TaskStateAssigned && task.IsStale(time.Now().UTC()))
		if !eligible {
			return fmt.Errorf("task %d is no longer claimable, held by %q", taskID, task.Assignee)
		}

		task.Acquire(runnerID)
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return tasks.Put(idKey(taskID), updated)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}
