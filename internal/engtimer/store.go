package engtimer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
)

// Project is one tracked project. NotionID is nil-equivalent when empty:
// an empty NotionID means the project exists locally only.
type Project struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Category         string    `json:"category"`
	Color            string    `json:"color"`
	NotionID         string    `json:"notionId,omitempty"`
	NotionDatabaseID string    `json:"notionDatabaseId,omitempty"`
	IsOtherBucket    bool      `json:"isOtherBucket,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Task carries denormalized fields of its primary project (ProjectIDs[0]):
// ProjectID, ProjectName and ProjectNotionID are a materialized view kept
// consistent by the store on every project mutation.
type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	Priority         string    `json:"priority"`
	ProjectID        string    `json:"projectId,omitempty"`
	ProjectIDs       []string  `json:"projectIds,omitempty"`
	ProjectName      string    `json:"projectName,omitempty"`
	ProjectNotionID  string    `json:"projectNotionId,omitempty"`
	NotionID         string    `json:"notionId,omitempty"`
	NotionDatabaseID string    `json:"notionDatabaseId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TimeLog is one work session. EndTime == nil marks the session as still
// running; at most one log per user may be running at any time.
type TimeLog struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId,omitempty"`
	ProjectName     string     `json:"projectName,omitempty"`
	ProjectNotionID string     `json:"projectNotionId,omitempty"`
	Category        string     `json:"category,omitempty"`
	Color           string     `json:"color,omitempty"`
	TaskID          string     `json:"taskId,omitempty"`
	TaskTitle       string     `json:"taskTitle,omitempty"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Running reports whether the session is still open.
func (l TimeLog) Running() bool {
	return l.EndTime == nil
}

// SyncConfig is the per-user singleton mapping configuration.
type SyncConfig struct {
	IsRealMode                   bool              `json:"isRealMode"`
	WriteBackProp                string            `json:"writeBackProp"`
	DefaultUnassignedProjectName string            `json:"defaultUnassignedProjectName"`
	ProjectDatabases             []DatabaseMapping `json:"projectDatabases"`
	TaskDatabases                []DatabaseMapping `json:"taskDatabases"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		IsRealMode:                   true,
		WriteBackProp:                "TimeSpent",
		DefaultUnassignedProjectName: "Other",
		ProjectDatabases: []DatabaseMapping{
			{Name: "Project DB 1", TitleProp: "Title", StatusProp: "Status", CategoryProp: "Category"},
		},
		TaskDatabases: []DatabaseMapping{
			{Name: "Task DB 1", TitleProp: "Title", StatusProp: "Status", ProjectProp: "Project"},
		},
	}
}

// ProjectPatch holds only the fields a caller wants to change. Nil fields
// are left untouched; the same patch drives the remote push so the engine
// can build a properties payload containing only what changed.
type ProjectPatch struct {
	Name             *string `json:"name,omitempty"`
	Status           *string `json:"status,omitempty"`
	Category         *string `json:"category,omitempty"`
	Color            *string `json:"color,omitempty"`
	NotionID         *string `json:"notionId,omitempty"`
	NotionDatabaseID *string `json:"notionDatabaseId,omitempty"`
}

// TaskPatch mirrors ProjectPatch for tasks. A non-nil ProjectIDs
// reassigns project membership; the first entry becomes the primary
// project and its fields are re-denormalized onto the task.
type TaskPatch struct {
	Title            *string  `json:"title,omitempty"`
	Status           *string  `json:"status,omitempty"`
	Priority         *string  `json:"priority,omitempty"`
	NotionID         *string  `json:"notionId,omitempty"`
	NotionDatabaseID *string  `json:"notionDatabaseId,omitempty"`
	ProjectIDs       []string `json:"projectIds,omitempty"`
}

// Event is one store mutation, fanned out to live subscribers.
type Event struct {
	EventID    string `json:"eventId"`
	Collection string `json:"collection"`
	Type       string `json:"type"`
	DocID      string `json:"docId"`
	Timestamp  string `json:"timestamp"`
}

const (
	CollectionProjects = "projects"
	CollectionTasks    = "tasks"
	CollectionTimeLogs = "timelogs"
	CollectionSettings = "settings"

	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

type userState struct {
	Projects map[string]Project `json:"projects"`
	Tasks    map[string]Task    `json:"tasks"`
	TimeLogs map[string]TimeLog `json:"timelogs"`
	Config   *SyncConfig        `json:"config,omitempty"`
	Events   []Event            `json:"events,omitempty"`
}

type persistedState struct {
	IDCounter    uint64                `json:"idCounter"`
	EventCounter uint64                `json:"eventCounter"`
	Users        map[string]*userState `json:"users"`
}

// StateBackend persists the full store snapshot.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type StoreOptions struct {
	StateBackend    StateBackend
	MaxStoredEvents int
	Clock           func() time.Time
}

// Store holds every user's projects, tasks, time logs and sync config.
// All document writes are atomic under one mutex; there is no
// cross-operation transaction, so concurrent operations resolve as
// last-writer-wins.
type Store struct {
	mu           sync.RWMutex
	users        map[string]*userState
	idCounter    uint64
	eventCounter uint64
	backend      StateBackend
	maxEvents    int
	now          func() time.Time

	watchMu   sync.Mutex
	watchers  map[string]map[int]chan Event
	watcherID int
}

func NewStore() (*Store, error) {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	maxEvents := opts.MaxStoredEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		users:     map[string]*userState{},
		backend:   opts.StateBackend,
		maxEvents: maxEvents,
		now:       now,
		watchers:  map[string]map[int]chan Event{},
	}
	if s.backend != nil {
		snapshot, err := s.backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if snapshot != nil {
			s.idCounter = snapshot.IDCounter
			s.eventCounter = snapshot.EventCounter
			if snapshot.Users != nil {
				s.users = snapshot.Users
			}
		}
	}
	return s, nil
}

// Close releases the state backend if it holds resources.
func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) userLocked(userID string) *userState {
	user, ok := s.users[userID]
	if !ok {
		user = &userState{
			Projects: map[string]Project{},
			Tasks:    map[string]Task{},
			TimeLogs: map[string]TimeLog{},
		}
		s.users[userID] = user
	}
	return user
}

func (s *Store) nextIDLocked(prefix string) string {
	s.idCounter++
	return fmt.Sprintf("%s_%d", prefix, s.idCounter)
}

func (s *Store) persistLocked() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(&persistedState{
		IDCounter:    s.idCounter,
		EventCounter: s.eventCounter,
		Users:        s.users,
	})
}

func (s *Store) emitLocked(userID string, user *userState, collection, eventType, docID string) {
	s.eventCounter++
	event := Event{
		EventID:    fmt.Sprintf("ev_%d", s.eventCounter),
		Collection: collection,
		Type:       eventType,
		DocID:      docID,
		Timestamp:  s.now().Format(time.RFC3339Nano),
	}
	user.Events = append(user.Events, event)
	if len(user.Events) > s.maxEvents {
		user.Events = user.Events[len(user.Events)-s.maxEvents:]
	}
	s.watchMu.Lock()
	for _, ch := range s.watchers[userID] {
		select {
		case ch <- event:
		default:
		}
	}
	s.watchMu.Unlock()
}

// Watch subscribes to the user's mutation feed. Slow subscribers drop
// events rather than block writers. The returned func cancels the
// subscription.
func (s *Store) Watch(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.watchMu.Lock()
	s.watcherID++
	id := s.watcherID
	if s.watchers[userID] == nil {
		s.watchers[userID] = map[int]chan Event{}
	}
	s.watchers[userID][id] = ch
	s.watchMu.Unlock()
	cancel := func() {
		s.watchMu.Lock()
		if subs, ok := s.watchers[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.watchers, userID)
			}
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// RecentEvents returns up to limit of the user's latest events, oldest
// first.
func (s *Store) RecentEvents(userID string, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return []Event{}
	}
	events := user.Events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]Event(nil), events...)
}

// --- Projects ---

// CreateProject validates and inserts a project. A trimmed non-empty name
// is required. If the new project claims the other-bucket flag while one
// already exists, reconciliation keeps the first and drops the newcomer.
func (s *Store) CreateProject(userID string, p Project) (Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	p.Status = NormalizeStatus(p.Status)
	if p.Category == "" {
		p.Category = "General"
	}
	if p.Color == "" {
		p.Color = DefaultProjectColor
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	p.ID = s.nextIDLocked("proj")
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	user.Projects[p.ID] = p
	s.emitLocked(userID, user, CollectionProjects, EventCreated, p.ID)
	removed := s.reconcileOtherBucketsLocked(userID, user)
	if _, gone := removed[p.ID]; gone {
		// The flag was already taken; the first bucket wins.
		existing := s.otherBucketLocked(user)
		if err := s.persistLocked(); err != nil {
			return Project{}, err
		}
		return existing, nil
	}
	return p, s.persistLocked()
}

func (s *Store) otherBucketLocked(user *userState) Project {
	var found Project
	for _, p := range user.Projects {
		if p.IsOtherBucket {
			if found.ID == "" || p.CreatedAt.Before(found.CreatedAt) || (p.CreatedAt.Equal(found.CreatedAt) && p.ID < found.ID) {
				found = p
			}
		}
	}
	return found
}

// reconcileOtherBucketsLocked enforces the at-most-one other-bucket
// invariant: the earliest-created flagged project survives, the rest are
// deleted. Returns the removed ids.
func (s *Store) reconcileOtherBucketsLocked(userID string, user *userState) map[string]struct{} {
	keeper := s.otherBucketLocked(user)
	removed := map[string]struct{}{}
	if keeper.ID == "" {
		return removed
	}
	for id, p := range user.Projects {
		if p.IsOtherBucket && id != keeper.ID {
			delete(user.Projects, id)
			removed[id] = struct{}{}
			s.emitLocked(userID, user, CollectionProjects, EventDeleted, id)
		}
	}
	return removed
}

// UpdateProject applies a patch and re-syncs the denormalized projection
// on any task whose primary project this is.
func (s *Store) UpdateProject(userID, projectID string, patch ProjectPatch) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	p, ok := user.Projects[projectID]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
		}
		p.Name = name
	}
	if patch.Status != nil {
		p.Status = NormalizeStatus(*patch.Status)
	}
	if patch.Category != nil {
		p.Category = *patch.Category
	}
	if patch.Color != nil {
		p.Color = *patch.Color
	}
	if patch.NotionID != nil {
		p.NotionID = *patch.NotionID
	}
	if patch.NotionDatabaseID != nil {
		p.NotionDatabaseID = *patch.NotionDatabaseID
	}
	p.UpdatedAt = s.now()
	user.Projects[projectID] = p
	s.resyncTaskProjectionsLocked(userID, user, p)
	s.emitLocked(userID, user, CollectionProjects, EventUpdated, projectID)
	return p, s.persistLocked()
}

// resyncTaskProjectionsLocked refreshes the materialized primary-project
// fields on every task pointing at the given project.
func (s *Store) resyncTaskProjectionsLocked(userID string, user *userState, p Project) {
	for id, t := range user.Tasks {
		if t.ProjectID != p.ID {
			continue
		}
		t.ProjectName = p.Name
		t.ProjectNotionID = p.NotionID
		user.Tasks[id] = t
		s.emitLocked(userID, user, CollectionTasks, EventUpdated, id)
	}
}

// DeleteProject removes a project and reassigns its tasks to the other
// bucket so none are left orphaned. The other bucket itself cannot be
// deleted. A time log currently running against a reassigned task keeps
// its stale denormalized project fields until it is stopped.
func (s *Store) DeleteProject(userID, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	p, ok := user.Projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if p.IsOtherBucket {
		return fmt.Errorf("%w: the default bucket project cannot be deleted", ErrInvalidState)
	}
	delete(user.Projects, projectID)
	s.emitLocked(userID, user, CollectionProjects, EventDeleted, projectID)
	other := s.ensureOtherProjectLocked(userID, user, "")
	for id, t := range user.Tasks {
		if !taskReferencesProject(t, projectID) {
			continue
		}
		s.assignTaskLocked(user, &t, other)
		user.Tasks[id] = t
		s.emitLocked(userID, user, CollectionTasks, EventUpdated, id)
	}
	return s.persistLocked()
}

func taskReferencesProject(t Task, projectID string) bool {
	if t.ProjectID == projectID {
		return true
	}
	for _, id := range t.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

func (s *Store) assignTaskLocked(user *userState, t *Task, primary Project) {
	t.ProjectID = primary.ID
	t.ProjectIDs = []string{primary.ID}
	t.ProjectName = primary.Name
	t.ProjectNotionID = primary.NotionID
	t.UpdatedAt = s.now()
}

// ClearProjects deletes every non-bucket project and reassigns all tasks
// to the other bucket.
func (s *Store) ClearProjects(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	for id, p := range user.Projects {
		if p.IsOtherBucket {
			continue
		}
		delete(user.Projects, id)
		s.emitLocked(userID, user, CollectionProjects, EventDeleted, id)
	}
	other := s.ensureOtherProjectLocked(userID, user, "")
	for id, t := range user.Tasks {
		s.assignTaskLocked(user, &t, other)
		user.Tasks[id] = t
		s.emitLocked(userID, user, CollectionTasks, EventUpdated, id)
	}
	return s.persistLocked()
}

func (s *Store) GetProject(userID, projectID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	p, ok := user.Projects[projectID]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	return p, nil
}

func (s *Store) ListProjects(userID string) []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return []Project{}
	}
	projects := make([]Project, 0, len(user.Projects))
	for _, p := range user.Projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects
}

// FindProjectByNotionID matches a local project against a remote page id.
func (s *Store) FindProjectByNotionID(userID, notionID string) (Project, bool) {
	if notionID == "" {
		return Project{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return Project{}, false
	}
	for _, p := range user.Projects {
		if p.NotionID == notionID {
			return p, true
		}
	}
	return Project{}, false
}

// EnsureOtherProject returns the user's other-bucket project, creating it
// with the given name (default "Other") if none exists.
func (s *Store) EnsureOtherProject(userID, name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	existing := s.otherBucketLocked(user)
	if existing.ID != "" {
		return existing, nil
	}
	other := s.ensureOtherProjectLocked(userID, user, name)
	return other, s.persistLocked()
}

func (s *Store) ensureOtherProjectLocked(userID string, user *userState, name string) Project {
	existing := s.otherBucketLocked(user)
	if existing.ID != "" {
		return existing
	}
	if name == "" {
		name = "Other"
		if user.Config != nil && user.Config.DefaultUnassignedProjectName != "" {
			name = user.Config.DefaultUnassignedProjectName
		}
	}
	other := Project{
		ID:            s.nextIDLocked("proj"),
		Name:          name,
		Status:        "To Do",
		Category:      "General",
		Color:         PaletteColor("default"),
		IsOtherBucket: true,
		CreatedAt:     s.now(),
		UpdatedAt:     s.now(),
	}
	user.Projects[other.ID] = other
	s.emitLocked(userID, user, CollectionProjects, EventCreated, other.ID)
	return other
}

// --- Tasks ---

// CreateTask validates and inserts a task. Project membership must be
// resolved by the caller; an empty ProjectIDs leaves the task unassigned
// only if the caller explicitly allows it via the engine's other-bucket
// fallback.
func (s *Store) CreateTask(userID string, t Task) (Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return Task{}, fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	t.Status = NormalizeStatus(t.Status)
	if t.Priority == "" {
		t.Priority = "Medium"
	}
	if len(t.ProjectIDs) == 0 && t.ProjectID != "" {
		t.ProjectIDs = []string{t.ProjectID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	t.ID = s.nextIDLocked("task")
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	user.Tasks[t.ID] = t
	s.emitLocked(userID, user, CollectionTasks, EventCreated, t.ID)
	return t, s.persistLocked()
}

// UpdateTask applies a patch. When the patch reassigns ProjectIDs, the
// first resolvable project becomes the primary and its fields are
// denormalized onto the task.
func (s *Store) UpdateTask(userID, taskID string, patch TaskPatch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	t, ok := user.Tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return Task{}, fmt.Errorf("%w: task title is required", ErrInvalidInput)
		}
		t.Title = title
	}
	if patch.Status != nil {
		t.Status = NormalizeStatus(*patch.Status)
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.NotionID != nil {
		t.NotionID = *patch.NotionID
	}
	if patch.NotionDatabaseID != nil {
		t.NotionDatabaseID = *patch.NotionDatabaseID
	}
	if patch.ProjectIDs != nil {
		t.ProjectIDs = append([]string(nil), patch.ProjectIDs...)
		if len(t.ProjectIDs) > 0 {
			if primary, ok := user.Projects[t.ProjectIDs[0]]; ok {
				t.ProjectID = primary.ID
				t.ProjectName = primary.Name
				t.ProjectNotionID = primary.NotionID
			} else {
				t.ProjectID = t.ProjectIDs[0]
			}
		}
	}
	t.UpdatedAt = s.now()
	user.Tasks[taskID] = t
	s.emitLocked(userID, user, CollectionTasks, EventUpdated, taskID)
	return t, s.persistLocked()
}

func (s *Store) DeleteTask(userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	if _, ok := user.Tasks[taskID]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	delete(user.Tasks, taskID)
	s.emitLocked(userID, user, CollectionTasks, EventDeleted, taskID)
	return s.persistLocked()
}

func (s *Store) ClearTasks(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	for id := range user.Tasks {
		delete(user.Tasks, id)
		s.emitLocked(userID, user, CollectionTasks, EventDeleted, id)
	}
	return s.persistLocked()
}

func (s *Store) GetTask(userID, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	t, ok := user.Tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasks(userID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return []Task{}
	}
	tasks := make([]Task, 0, len(user.Tasks))
	for _, t := range user.Tasks {
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

func (s *Store) FindTaskByNotionID(userID, notionID string) (Task, bool) {
	if notionID == "" {
		return Task{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return Task{}, false
	}
	for _, t := range user.Tasks {
		if t.NotionID == notionID {
			return cloneTask(t), true
		}
	}
	return Task{}, false
}

func cloneTask(t Task) Task {
	t.ProjectIDs = append([]string(nil), t.ProjectIDs...)
	return t
}

// --- Time logs ---

// CreateTimeLog inserts a session. Manual entries (EndTime set) must end
// after they start and reference a project or task; both checks fail
// locally before any network activity. An open entry (EndTime nil) is
// rejected while another session is running, so the single-running-log
// invariant holds under the store lock.
func (s *Store) CreateTimeLog(userID string, l TimeLog) (TimeLog, error) {
	if l.ProjectID == "" && l.TaskID == "" {
		return TimeLog{}, fmt.Errorf("%w: a project or task is required", ErrInvalidInput)
	}
	if l.EndTime != nil && !l.EndTime.After(l.StartTime) {
		return TimeLog{}, fmt.Errorf("%w: end time must be after start time", ErrInvalidInput)
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	if l.EndTime == nil {
		for _, existing := range user.TimeLogs {
			if existing.EndTime == nil {
				return TimeLog{}, fmt.Errorf("%w: a session is already running", ErrInvalidState)
			}
		}
	}
	l.ID = s.nextIDLocked("log")
	if l.StartTime.IsZero() {
		l.StartTime = s.now()
	}
	user.TimeLogs[l.ID] = l
	s.emitLocked(userID, user, CollectionTimeLogs, EventCreated, l.ID)
	return cloneTimeLog(l), s.persistLocked()
}

// CloseTimeLog sets the end instant on a running session.
func (s *Store) CloseTimeLog(userID, logID string, end time.Time) (TimeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	l, ok := user.TimeLogs[logID]
	if !ok {
		return TimeLog{}, fmt.Errorf("%w: timelog %s", ErrNotFound, logID)
	}
	if l.EndTime != nil {
		return TimeLog{}, fmt.Errorf("%w: timelog %s is already closed", ErrInvalidState, logID)
	}
	l.EndTime = &end
	user.TimeLogs[logID] = l
	s.emitLocked(userID, user, CollectionTimeLogs, EventUpdated, logID)
	return cloneTimeLog(l), s.persistLocked()
}

// UpdateTimeLogTags replaces the tag set and notes on a session.
func (s *Store) UpdateTimeLogTags(userID, logID string, tags []string, notes string) (TimeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	l, ok := user.TimeLogs[logID]
	if !ok {
		return TimeLog{}, fmt.Errorf("%w: timelog %s", ErrNotFound, logID)
	}
	if tags == nil {
		tags = []string{}
	}
	l.Tags = append(make([]string, 0, len(tags)), tags...)
	l.Notes = notes
	user.TimeLogs[logID] = l
	s.emitLocked(userID, user, CollectionTimeLogs, EventUpdated, logID)
	return cloneTimeLog(l), s.persistLocked()
}

func (s *Store) DeleteTimeLog(userID, logID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	if _, ok := user.TimeLogs[logID]; !ok {
		return fmt.Errorf("%w: timelog %s", ErrNotFound, logID)
	}
	delete(user.TimeLogs, logID)
	s.emitLocked(userID, user, CollectionTimeLogs, EventDeleted, logID)
	return s.persistLocked()
}

func (s *Store) ClearTimeLogs(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	for id := range user.TimeLogs {
		delete(user.TimeLogs, id)
		s.emitLocked(userID, user, CollectionTimeLogs, EventDeleted, id)
	}
	return s.persistLocked()
}

func (s *Store) GetTimeLog(userID, logID string) (TimeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return TimeLog{}, fmt.Errorf("%w: timelog %s", ErrNotFound, logID)
	}
	l, ok := user.TimeLogs[logID]
	if !ok {
		return TimeLog{}, fmt.Errorf("%w: timelog %s", ErrNotFound, logID)
	}
	return cloneTimeLog(l), nil
}

func (s *Store) ListTimeLogs(userID string) []TimeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return []TimeLog{}
	}
	logs := make([]TimeLog, 0, len(user.TimeLogs))
	for _, l := range user.TimeLogs {
		logs = append(logs, cloneTimeLog(l))
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].StartTime.Equal(logs[j].StartTime) {
			return logs[i].ID < logs[j].ID
		}
		return logs[i].StartTime.Before(logs[j].StartTime)
	})
	return logs
}

// ActiveTimeLog returns the user's running session, if any.
func (s *Store) ActiveTimeLog(userID string) (TimeLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return TimeLog{}, false
	}
	for _, l := range user.TimeLogs {
		if l.EndTime == nil {
			return cloneTimeLog(l), true
		}
	}
	return TimeLog{}, false
}

func cloneTimeLog(l TimeLog) TimeLog {
	if l.Tags != nil {
		l.Tags = append(make([]string, 0, len(l.Tags)), l.Tags...)
	}
	if l.EndTime != nil {
		end := *l.EndTime
		l.EndTime = &end
	}
	return l
}

// --- Sync config ---

// SyncConfigFor returns the user's sync config, or the defaults when the
// user has never saved one.
func (s *Store) SyncConfigFor(userID string) SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok || user.Config == nil {
		return DefaultSyncConfig()
	}
	return cloneSyncConfig(*user.Config)
}

// SetSyncConfig validates and stores the user's sync config. Database ids
// are normalized so whole Notion URLs can be pasted in.
func (s *Store) SetSyncConfig(userID string, cfg SyncConfig) (SyncConfig, error) {
	if err := ValidateSyncConfig(cfg); err != nil {
		return SyncConfig{}, err
	}
	for i := range cfg.ProjectDatabases {
		cfg.ProjectDatabases[i].ID = NormalizeNotionID(cfg.ProjectDatabases[i].ID)
	}
	for i := range cfg.TaskDatabases {
		cfg.TaskDatabases[i].ID = NormalizeNotionID(cfg.TaskDatabases[i].ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.userLocked(userID)
	stored := cloneSyncConfig(cfg)
	user.Config = &stored
	s.emitLocked(userID, user, CollectionSettings, EventUpdated, "notion")
	return cloneSyncConfig(stored), s.persistLocked()
}

func cloneSyncConfig(cfg SyncConfig) SyncConfig {
	cfg.ProjectDatabases = append([]DatabaseMapping(nil), cfg.ProjectDatabases...)
	cfg.TaskDatabases = append([]DatabaseMapping(nil), cfg.TaskDatabases...)
	return cfg
}

// --- JSON file state backend ---

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
