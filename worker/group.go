package worker

import (
	"database/sql"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Repetition values for schedule events.
const (
	RepetitionDaily   = "daily"
	RepetitionWeekday = "weekday"
	RepetitionWeekend = "weekend"
	// Individual days use their lowercase English names: "monday".."sunday".
)

// Schedule tasks.
const (
	ScheduleTaskPause  = "pause"
	ScheduleTaskResume = "resume"
	ScheduleTaskCount  = "count"
)

var validRepetitions = map[string]bool{
	RepetitionDaily: true, RepetitionWeekday: true, RepetitionWeekend: true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

var validScheduleTasks = map[string]bool{
	ScheduleTaskPause: true, ScheduleTaskResume: true, ScheduleTaskCount: true,
}

// Schedule is one recurring pause/resume/count event for a group.
type Schedule struct {
	ID          int64
	Repetition  string
	Time        string // "HH:MM"
	Task        string
	WorkerCount int
}

// Validate checks the schedule entry against the allowed vocabularies.
func (s Schedule) Validate() error {
	if !validRepetitions[s.Repetition] {
		return errors.Newf("invalid schedule repetition %q", s.Repetition)
	}
	if !validScheduleTasks[s.Task] {
		return errors.Newf("invalid schedule task %q", s.Task)
	}
	if len(s.Time) != 5 || s.Time[2] != ':' {
		return errors.Newf("invalid schedule time %q, want HH:MM", s.Time)
	}
	return nil
}

// Group is a named bucket of workers sharing a count, a dispatch tag
// set, and a recurring schedule. It holds configuration only; the
// foreman owns the worker goroutines.
type Group struct {
	ID   int64
	Name string
	// Locked groups (the default group) cannot be deleted.
	Locked          bool
	NumberOfWorkers int
	Tags            []string
	Schedules       []Schedule
}

const defaultGroupName = "default"

// GroupStore persists worker groups, their tags, and schedule events.
type GroupStore struct {
	db *sql.DB
}

// NewGroupStore creates a group store.
func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

// All returns every configured group. When none exist and a legacy
// scalar worker count is supplied, it is migrated into a locked default
// group first; callers clear the legacy setting after a non-zero return.
func (s *GroupStore) All(legacyWorkerCount int) ([]*Group, error) {
	groups, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 && legacyWorkerCount > 0 {
		g := &Group{Name: defaultGroupName, Locked: true, NumberOfWorkers: legacyWorkerCount}
		if err := s.Create(g); err != nil {
			return nil, errors.Wrap(err, "failed to migrate legacy worker count")
		}
		return []*Group{g}, nil
	}
	return groups, nil
}

func (s *GroupStore) list() ([]*Group, error) {
	rows, err := s.db.Query(
		`SELECT id, name, locked, number_of_workers FROM worker_groups ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list worker groups")
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Locked, &g.NumberOfWorkers); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker group")
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate worker groups")
	}

	for _, g := range groups {
		if g.Tags, err = s.tagsFor(g.ID); err != nil {
			return nil, err
		}
		if g.Schedules, err = s.schedulesFor(g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// Get returns one group with its tags and schedules.
func (s *GroupStore) Get(id int64) (*Group, error) {
	var g Group
	err := s.db.QueryRow(
		`SELECT id, name, locked, number_of_workers FROM worker_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Locked, &g.NumberOfWorkers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker group %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get worker group %d", id)
	}
	if g.Tags, err = s.tagsFor(id); err != nil {
		return nil, err
	}
	if g.Schedules, err = s.schedulesFor(id); err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a group with its tags and schedules.
func (s *GroupStore) Create(g *Group) error {
	for _, sched := range g.Schedules {
		if err := sched.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO worker_groups (name, locked, number_of_workers) VALUES (?, ?, ?)`,
		g.Name, g.Locked, g.NumberOfWorkers)
	if err != nil {
		return errors.Wrapf(err, "failed to create worker group %q", g.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	g.ID = id

	for _, tag := range g.Tags {
		if _, err := tx.Exec(
			`INSERT INTO worker_group_tags (worker_group_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return errors.Wrapf(err, "failed to tag worker group %q", g.Name)
		}
	}
	if err := insertSchedulesTx(tx, id, g.Schedules); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Update writes the group's name, count, and tag set.
func (s *GroupStore) Update(g *Group) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE worker_groups SET name = ?, number_of_workers = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, g.Name, g.NumberOfWorkers, g.ID); err != nil {
		return errors.Wrapf(err, "failed to update worker group %d", g.ID)
	}
	if _, err := tx.Exec(`DELETE FROM worker_group_tags WHERE worker_group_id = ?`, g.ID); err != nil {
		return errors.Wrapf(err, "failed to clear tags for worker group %d", g.ID)
	}
	for _, tag := range g.Tags {
		if _, err := tx.Exec(
			`INSERT INTO worker_group_tags (worker_group_id, tag) VALUES (?, ?)`, g.ID, tag); err != nil {
			return errors.Wrapf(err, "failed to tag worker group %d", g.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Delete removes a group. Locked groups are refused.
func (s *GroupStore) Delete(id int64) error {
	g, err := s.Get(id)
	if err != nil {
		return err
	}
	if g.Locked {
		return errors.Newf("worker group %q is locked and cannot be deleted", g.Name)
	}
	_, err = s.db.Exec(`DELETE FROM worker_groups WHERE id = ?`, id)
	return errors.Wrapf(err, "failed to delete worker group %d", id)
}

// SetWorkerEventSchedules replaces the group's full schedule set in one
// transaction.
func (s *GroupStore) SetWorkerEventSchedules(groupID int64, schedules []Schedule) error {
	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM worker_schedules WHERE worker_group_id = ?`, groupID); err != nil {
		return errors.Wrapf(err, "failed to clear schedules for worker group %d", groupID)
	}
	if err := insertSchedulesTx(tx, groupID, schedules); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func insertSchedulesTx(tx *sql.Tx, groupID int64, schedules []Schedule) error {
	for _, sched := range schedules {
		if _, err := tx.Exec(
			`INSERT INTO worker_schedules (worker_group_id, repetition, schedule_time, schedule_task, schedule_worker_count)
			 VALUES (?, ?, ?, ?, ?)`,
			groupID, sched.Repetition, sched.Time, sched.Task, sched.WorkerCount); err != nil {
			return errors.Wrapf(err, "failed to insert schedule for worker group %d", groupID)
		}
	}
	return nil
}

func (s *GroupStore) tagsFor(groupID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT tag FROM worker_group_tags WHERE worker_group_id = ? ORDER BY tag`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tags for worker group %d", groupID)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags = append(tags, tag)
	}
	return tags, errors.Wrap(rows.Err(), "iterate tags")
}

func (s *GroupStore) schedulesFor(groupID int64) ([]Schedule, error) {
	rows, err := s.db.Query(
		`SELECT id, repetition, schedule_time, schedule_task, schedule_worker_count
		 FROM worker_schedules WHERE worker_group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list schedules for worker group %d", groupID)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(&sched.ID, &sched.Repetition, &sched.Time, &sched.Task, &sched.WorkerCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sched)
	}
	return schedules, errors.Wrap(rows.Err(), "iterate schedules")
}

// DueToday reports whether the schedule's repetition covers the given
// weekday name ("monday".."sunday").
func (s Schedule) DueToday(weekday string) bool {
	switch s.Repetition {
	case RepetitionDaily:
		return true
	case RepetitionWeekday:
		return weekday != "saturday" && weekday != "sunday"
	case RepetitionWeekend:
		return weekday == "saturday" || weekday == "sunday"
	default:
		return s.Repetition == weekday
	}
}
