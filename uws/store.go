package uws

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vo_platform/metrics"
	"vo_platform/schema"
	"vo_platform/utils/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the job table of one queue.
type Store struct {
	db    *schema.DB
	queue string
	table string
}

func NewStore(db *schema.DB, queue string) *Store {
	return &Store{db: db, queue: queue, table: db.SysTable(queue)}
}

func (s *Store) Queue() string {
	return s.queue
}

func (s *Store) jobs(txn *gorm.DB) *gorm.DB {
	return txn.Table(s.table)
}

// locked selects a row for update where the engine supports row locks;
// sqlite serializes writers anyway.
func (s *Store) locked(txn *gorm.DB) *gorm.DB {
	if s.db.Dialect.Name() == "postgres" {
		return s.jobs(txn).Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.jobs(txn)
}

func (s *Store) Create(job *schema.Job) error {
	if err := s.jobs(s.db.DB).Create(job).Error; err != nil {
		slog.Error("sql error creating job", "queue", s.queue, "error", err)
		return schema.ErrDbAccessFailed
	}
	metrics.UWSTransitions.WithLabelValues(s.queue, job.Phase).Inc()
	return nil
}

func (s *Store) get(txn *gorm.DB, id string) (schema.Job, error) {
	var job schema.Job
	if err := txn.First(&job, "job_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		slog.Error("sql error loading job", "queue", s.queue, "job_id", id, "error", err)
		return job, schema.ErrDbAccessFailed
	}
	return job, nil
}

func (s *Store) Get(id string) (schema.Job, error) {
	return s.get(s.jobs(s.db.DB), id)
}

type ListFilter struct {
	// Phases restricts the listing; without it archived jobs are left out.
	Phases []string
	After  *time.Time
	// Last keeps the Last most recently created jobs, newest first.
	Last  int
	Owner *string
}

func (s *Store) List(filter ListFilter) ([]schema.Job, error) {
	query := s.jobs(s.db.DB)
	if len(filter.Phases) > 0 {
		query = query.Where("phase IN ?", filter.Phases)
	} else {
		query = query.Where("phase <> ?", Archived)
	}
	if filter.After != nil {
		query = query.Where("creation_time > ?", *filter.After)
	}
	if filter.Owner != nil {
		query = query.Where("owner = ?", *filter.Owner)
	}
	if filter.Last > 0 {
		query = query.Order("creation_time DESC").Limit(filter.Last)
	} else {
		query = query.Order("creation_time ASC")
	}

	var jobs []schema.Job
	if err := query.Find(&jobs).Error; err != nil {
		slog.Error("sql error listing jobs", "queue", s.queue, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return jobs, nil
}

// Transition moves a job to a new phase, applying updates (column name
// to value) in the same statement.
func (s *Store) Transition(id, to string, updates map[string]any) (schema.Job, error) {
	var job schema.Job
	err := s.db.Transaction(func(txn *gorm.DB) error {
		current, err := s.get(s.locked(txn), id)
		if err != nil {
			return err
		}
		if !CanTransition(current.Phase, to) {
			return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, current.Phase, to)
		}

		values := map[string]any{"phase": to}
		for k, v := range updates {
			values[k] = v
		}
		result := s.jobs(txn).Where("job_id = ? AND phase = ?", id, current.Phase).Updates(values)
		if result.Error != nil {
			slog.Error("sql error updating job phase", "queue", s.queue, "job_id", id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: job %s changed concurrently", ErrIllegalTransition, id)
		}

		job, err = s.get(s.jobs(txn), id)
		return err
	})
	if err != nil {
		return job, err
	}

	metrics.UWSTransitions.WithLabelValues(s.queue, to).Inc()
	slog.Info("job phase changed", "code", logging.UWS_PHASE, "queue", s.queue, "job_id", id, "phase", to)
	return job, nil
}

// Update runs fn on the current state of a job and writes back whatever
// fn changed.
func (s *Store) Update(id string, fn func(job *schema.Job) error) (schema.Job, error) {
	var job schema.Job
	err := s.db.Transaction(func(txn *gorm.DB) error {
		var err error
		job, err = s.get(s.locked(txn), id)
		if err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		if err := s.jobs(txn).Where("job_id = ?", id).Select("*").Updates(&job).Error; err != nil {
			slog.Error("sql error updating job", "queue", s.queue, "job_id", id, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	return job, err
}

func (s *Store) SetPid(id string, pid int) error {
	if err := s.jobs(s.db.DB).Where("job_id = ?", id).Update("pid", pid).Error; err != nil {
		slog.Error("sql error setting job pid", "queue", s.queue, "job_id", id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (s *Store) Delete(id string) error {
	result := s.jobs(s.db.DB).Where("job_id = ?", id).Delete(&schema.Job{})
	if result.Error != nil {
		slog.Error("sql error deleting job", "queue", s.queue, "job_id", id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) InPhase(phase string) ([]schema.Job, error) {
	var jobs []schema.Job
	if err := s.jobs(s.db.DB).Where("phase = ?", phase).Order("destruction_time ASC").Find(&jobs).Error; err != nil {
		slog.Error("sql error listing jobs by phase", "queue", s.queue, "phase", phase, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return jobs, nil
}

func (s *Store) CountPhase(phase string) (int64, error) {
	var n int64
	if err := s.jobs(s.db.DB).Where("phase = ?", phase).Count(&n).Error; err != nil {
		slog.Error("sql error counting jobs", "queue", s.queue, "phase", phase, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	return n, nil
}

// CountQueuedBefore counts the queued jobs that will run before a job
// expiring at destruction.
func (s *Store) CountQueuedBefore(destruction time.Time) (int64, error) {
	var n int64
	err := s.jobs(s.db.DB).Where("phase = ? AND destruction_time < ?", Queued, destruction).Count(&n).Error
	if err != nil {
		slog.Error("sql error counting queued jobs", "queue", s.queue, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	return n, nil
}

func (s *Store) Expired(now time.Time) ([]schema.Job, error) {
	var jobs []schema.Job
	if err := s.jobs(s.db.DB).Where("destruction_time < ?", now).Find(&jobs).Error; err != nil {
		slog.Error("sql error listing expired jobs", "queue", s.queue, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return jobs, nil
}

// UpdateGauges publishes the current number of jobs per phase.
func (s *Store) UpdateGauges() {
	var counts []struct {
		Phase string
		N     int64
	}
	if err := s.jobs(s.db.DB).Select("phase, count(*) AS n").Group("phase").Scan(&counts).Error; err != nil {
		slog.Warn("cannot count jobs for metrics", "queue", s.queue, "error", err)
		return
	}
	for _, phase := range phases {
		metrics.UWSJobs.WithLabelValues(s.queue, phase).Set(0)
	}
	for _, c := range counts {
		metrics.UWSJobs.WithLabelValues(s.queue, c.Phase).Set(float64(c.N))
	}
}
