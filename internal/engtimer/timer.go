package engtimer

import (
	"context"
	"fmt"
	"time"
)

type TargetKind string

const (
	TargetProject TargetKind = "project"
	TargetTask    TargetKind = "task"
)

const fallbackColor = "#cbd5e1"

// ToggleResult reports what a toggle did. Stopped and Started may each be
// nil; both set means a switch from one target to another.
type ToggleResult struct {
	Stopped *TimeLog `json:"stopped,omitempty"`
	Started *TimeLog `json:"started,omitempty"`
}

// Timer is the per-user two-state session controller: Idle (no running
// log) or Running (exactly one). The single-active invariant is enforced
// against the current store snapshot, not a server-side constraint.
type Timer struct {
	store  *Store
	engine *Engine
	now    func() time.Time
}

func NewTimer(store *Store, engine *Engine) *Timer {
	return &Timer{
		store:  store,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a session against a project or task, denormalizing the
// target's project fields onto the log at creation time. Starting while
// another session runs is an error; use Toggle for switch semantics.
func (t *Timer) Start(ctx context.Context, userID string, kind TargetKind, targetID string) (TimeLog, error) {
	if _, running := t.store.ActiveTimeLog(userID); running {
		return TimeLog{}, fmt.Errorf("%w: a session is already running", ErrInvalidState)
	}

	log := TimeLog{StartTime: t.now(), Tags: []string{}}
	switch kind {
	case TargetProject:
		project, err := t.store.GetProject(userID, targetID)
		if err != nil {
			return TimeLog{}, err
		}
		log.ProjectID = project.ID
		log.ProjectName = project.Name
		log.ProjectNotionID = project.NotionID
		log.Category = project.Category
		log.Color = project.Color
		if log.Category == "" {
			log.Category = "Uncategorized"
		}
		if log.Color == "" {
			log.Color = fallbackColor
		}
	case TargetTask:
		task, err := t.store.GetTask(userID, targetID)
		if err != nil {
			return TimeLog{}, err
		}
		log.TaskID = task.ID
		log.TaskTitle = task.Title
		log.ProjectName = "Unknown Project"
		log.Category = "Uncategorized"
		log.Color = fallbackColor
		if project, err := t.store.GetProject(userID, task.ProjectID); err == nil {
			log.ProjectID = project.ID
			log.ProjectName = project.Name
			log.ProjectNotionID = project.NotionID
			if project.Category != "" {
				log.Category = project.Category
			}
			if project.Color != "" {
				log.Color = project.Color
			}
		}
	default:
		return TimeLog{}, fmt.Errorf("%w: unknown timer target kind %q", ErrInvalidInput, kind)
	}

	return t.store.CreateTimeLog(userID, log)
}

// Stop closes the running session and triggers the remote writeback. The
// local close commits first and stands regardless of the writeback
// outcome; a writeback failure is surfaced through the engine's notifier.
func (t *Timer) Stop(ctx context.Context, userID string) (TimeLog, error) {
	active, running := t.store.ActiveTimeLog(userID)
	if !running {
		return TimeLog{}, fmt.Errorf("%w: no session is running", ErrInvalidState)
	}
	closed, err := t.store.CloseTimeLog(userID, active.ID, t.now())
	if err != nil {
		return TimeLog{}, err
	}
	_ = t.engine.Writeback(ctx, userID, closed)
	return closed, nil
}

// Toggle implements the UI's single button: idle starts, the same target
// stops, a different target stops the old session (with writeback) and
// starts the new one. The switch is two sequential writes, not a
// transaction: an interruption between them leaves the system idle with
// the old session already closed and written back.
func (t *Timer) Toggle(ctx context.Context, userID string, kind TargetKind, targetID string) (ToggleResult, error) {
	active, running := t.store.ActiveTimeLog(userID)
	if !running {
		started, err := t.Start(ctx, userID, kind, targetID)
		if err != nil {
			return ToggleResult{}, err
		}
		return ToggleResult{Started: &started}, nil
	}

	same := false
	switch kind {
	case TargetProject:
		same = active.ProjectID == targetID && active.TaskID == ""
	case TargetTask:
		same = active.TaskID == targetID
	default:
		return ToggleResult{}, fmt.Errorf("%w: unknown timer target kind %q", ErrInvalidInput, kind)
	}

	stopped, err := t.Stop(ctx, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	if same {
		return ToggleResult{Stopped: &stopped}, nil
	}
	started, err := t.Start(ctx, userID, kind, targetID)
	if err != nil {
		return ToggleResult{Stopped: &stopped}, err
	}
	return ToggleResult{Stopped: &stopped, Started: &started}, nil
}
