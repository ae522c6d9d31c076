package engtimer

import (
	"context"
	"errors"
	"fmt"
)

// Notifier surfaces transient user-visible sync messages (the toast layer
// in a UI). Levels: info, loading, success, error.
type Notifier func(userID, level, message string)

// ImportSummary accumulates counts across all configured databases and
// both the project and task passes.
type ImportSummary struct {
	Added    int      `json:"added"`
	Updated  int      `json:"updated"`
	Failures []string `json:"failures,omitempty"`
}

type EngineOptions struct {
	Store    *Store
	Gateway  Gateway
	Notifier Notifier
}

// Engine reconciles the local store against the remote workspace: import
// (remote to local), push (local edits to the remote page), and writeback
// (elapsed session minutes onto a remote numeric column).
type Engine struct {
	store   *Store
	gateway Gateway
	notify  Notifier
}

func NewEngine(opts EngineOptions) *Engine {
	notify := opts.Notifier
	if notify == nil {
		notify = func(string, string, string) {}
	}
	return &Engine{
		store:   opts.Store,
		gateway: opts.Gateway,
		notify:  notify,
	}
}

func isConfigurationError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Configuration
}

// Import pulls remote pages into local projects and tasks. Projects run
// to completion before tasks so task relations can resolve against
// already-imported projects. A failing database is recorded and the loop
// moves on; a configuration error aborts the whole operation.
func (e *Engine) Import(ctx context.Context, userID string) (ImportSummary, error) {
	cfg := e.store.SyncConfigFor(userID)
	summary := ImportSummary{}

	if err := e.importProjects(ctx, userID, cfg, &summary); err != nil {
		return summary, err
	}
	if err := e.importTasks(ctx, userID, cfg, &summary); err != nil {
		return summary, err
	}
	e.notify(userID, "success", fmt.Sprintf("%d added / %d updated", summary.Added, summary.Updated))
	return summary, nil
}

func (e *Engine) importProjects(ctx context.Context, userID string, cfg SyncConfig, summary *ImportSummary) error {
	for _, dbConf := range cfg.ProjectDatabases {
		if dbConf.ID == "" {
			continue
		}
		result, err := e.gateway.QueryDatabase(ctx, dbConf.ID, nil)
		if err != nil {
			if isConfigurationError(err) {
				return err
			}
			summary.Failures = append(summary.Failures, fmt.Sprintf("projects %s: %v", dbConf.ID, err))
			continue
		}
		for _, page := range result.Results {
			status := NormalizeStatus(dbConf.StatusName(page))
			if status == "Done" {
				// Completed remote items are never imported or updated,
				// and local copies are not deleted either.
				continue
			}
			name := dbConf.Title(page)
			category := dbConf.CategoryName(page)
			color := dbConf.CategoryColor(page)

			if existing, ok := e.store.FindProjectByNotionID(userID, page.ID); ok {
				patch := ProjectPatch{
					Name:             &name,
					Status:           &status,
					Category:         &category,
					Color:            &color,
					NotionDatabaseID: &dbConf.ID,
				}
				if _, err := e.store.UpdateProject(userID, existing.ID, patch); err != nil {
					summary.Failures = append(summary.Failures, fmt.Sprintf("project %s: %v", page.ID, err))
					continue
				}
				summary.Updated++
			} else {
				_, err := e.store.CreateProject(userID, Project{
					Name:             name,
					Status:           status,
					Category:         category,
					Color:            color,
					NotionID:         page.ID,
					NotionDatabaseID: dbConf.ID,
				})
				if err != nil {
					summary.Failures = append(summary.Failures, fmt.Sprintf("project %s: %v", page.ID, err))
					continue
				}
				summary.Added++
			}
		}
	}
	return nil
}

func (e *Engine) importTasks(ctx context.Context, userID string, cfg SyncConfig, summary *ImportSummary) error {
	other, err := e.store.EnsureOtherProject(userID, cfg.DefaultUnassignedProjectName)
	if err != nil {
		return err
	}
	for _, dbConf := range cfg.TaskDatabases {
		if dbConf.ID == "" {
			continue
		}
		result, err := e.gateway.QueryDatabase(ctx, dbConf.ID, nil)
		if err != nil {
			if isConfigurationError(err) {
				return err
			}
			summary.Failures = append(summary.Failures, fmt.Sprintf("tasks %s: %v", dbConf.ID, err))
			continue
		}
		for _, page := range result.Results {
			status := NormalizeStatus(dbConf.StatusName(page))
			if status == "Done" || status == "Completed" {
				continue
			}
			title := dbConf.Title(page)
			priority := dbConf.PriorityName(page)

			// Resolve the first related page against already-imported
			// projects; anything unresolved lands in the other bucket.
			target := other
			if relationID := dbConf.FirstRelationID(page); relationID != "" {
				if found, ok := e.store.FindProjectByNotionID(userID, relationID); ok {
					target = found
				}
			}

			if existing, ok := e.store.FindTaskByNotionID(userID, page.ID); ok {
				patch := TaskPatch{
					Title:            &title,
					Status:           &status,
					Priority:         &priority,
					NotionDatabaseID: &dbConf.ID,
					ProjectIDs:       []string{target.ID},
				}
				if _, err := e.store.UpdateTask(userID, existing.ID, patch); err != nil {
					summary.Failures = append(summary.Failures, fmt.Sprintf("task %s: %v", page.ID, err))
					continue
				}
				summary.Updated++
			} else {
				_, err := e.store.CreateTask(userID, Task{
					Title:            title,
					Status:           status,
					Priority:         priority,
					ProjectID:        target.ID,
					ProjectIDs:       []string{target.ID},
					ProjectName:      target.Name,
					ProjectNotionID:  target.NotionID,
					NotionID:         page.ID,
					NotionDatabaseID: dbConf.ID,
				})
				if err != nil {
					summary.Failures = append(summary.Failures, fmt.Sprintf("task %s: %v", page.ID, err))
					continue
				}
				summary.Added++
			}
		}
	}
	return nil
}

func findMapping(mappings []DatabaseMapping, databaseID string) (DatabaseMapping, bool) {
	for _, m := range mappings {
		if m.ID != "" && m.ID == databaseID {
			return m, true
		}
	}
	// The stored database id may no longer be configured; fall back to
	// the first configured database of the kind.
	for _, m := range mappings {
		if m.ID != "" {
			return m, true
		}
	}
	return DatabaseMapping{}, false
}

// PushProject propagates a local project patch to its remote page. Only
// changed fields go into the payload; an empty payload performs no call.
// Failure is surfaced but never rolls back the local write.
func (e *Engine) PushProject(ctx context.Context, userID string, project Project, patch ProjectPatch) error {
	cfg := e.store.SyncConfigFor(userID)
	if !cfg.IsRealMode || project.NotionID == "" {
		return nil
	}
	dbConf, ok := findMapping(cfg.ProjectDatabases, project.NotionDatabaseID)
	if !ok {
		return nil
	}
	properties := map[string]PropertyValue{}
	if patch.Name != nil {
		properties[dbConf.TitleProp] = TitleProperty(*patch.Name)
	}
	if patch.Status != nil {
		properties[dbConf.StatusProp] = SelectProperty(NormalizeStatus(*patch.Status))
	}
	if patch.Category != nil && dbConf.CategoryProp != "" {
		properties[dbConf.CategoryProp] = SelectProperty(*patch.Category)
	}
	if len(properties) == 0 {
		return nil
	}
	if _, err := e.gateway.UpdatePage(ctx, project.NotionID, properties); err != nil {
		e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		return err
	}
	return nil
}

// PushTask propagates a local task patch, re-resolving project relations
// to remote ids. Projects with no remote counterpart are silently dropped
// from the relation.
func (e *Engine) PushTask(ctx context.Context, userID string, task Task, patch TaskPatch) error {
	cfg := e.store.SyncConfigFor(userID)
	if !cfg.IsRealMode || task.NotionID == "" {
		return nil
	}
	dbConf, ok := findMapping(cfg.TaskDatabases, task.NotionDatabaseID)
	if !ok {
		return nil
	}
	properties := map[string]PropertyValue{}
	if patch.Title != nil {
		properties[dbConf.TitleProp] = TitleProperty(*patch.Title)
	}
	if patch.Status != nil {
		properties[dbConf.StatusProp] = SelectProperty(NormalizeStatus(*patch.Status))
	}
	if patch.Priority != nil && dbConf.PriorityProp != "" {
		properties[dbConf.PriorityProp] = SelectProperty(*patch.Priority)
	}
	if patch.ProjectIDs != nil && dbConf.ProjectProp != "" {
		properties[dbConf.ProjectProp] = RelationProperty(e.remoteProjectIDs(userID, patch.ProjectIDs))
	}
	if len(properties) == 0 {
		return nil
	}
	if _, err := e.gateway.UpdatePage(ctx, task.NotionID, properties); err != nil {
		e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		return err
	}
	return nil
}

func (e *Engine) remoteProjectIDs(userID string, projectIDs []string) []string {
	remote := make([]string, 0, len(projectIDs))
	for _, id := range projectIDs {
		p, err := e.store.GetProject(userID, id)
		if err != nil || p.NotionID == "" {
			continue
		}
		remote = append(remote, p.NotionID)
	}
	return remote
}

// UpdateProject writes the patch locally and then pushes it best-effort.
// The local store stays the source of truth even when the push fails.
func (e *Engine) UpdateProject(ctx context.Context, userID, projectID string, patch ProjectPatch) (Project, error) {
	project, err := e.store.UpdateProject(userID, projectID, patch)
	if err != nil {
		return Project{}, err
	}
	_ = e.PushProject(ctx, userID, project, patch)
	return project, nil
}

// UpdateTask writes the patch locally and then pushes it best-effort.
func (e *Engine) UpdateTask(ctx context.Context, userID, taskID string, patch TaskPatch) (Task, error) {
	task, err := e.store.UpdateTask(userID, taskID, patch)
	if err != nil {
		return Task{}, err
	}
	_ = e.PushTask(ctx, userID, task, patch)
	return task, nil
}

// MoveTaskToProject reassigns a task (drag-and-drop in the UI) and pushes
// the new relation.
func (e *Engine) MoveTaskToProject(ctx context.Context, userID, taskID, projectID string) (Task, error) {
	if projectID == "" {
		cfg := e.store.SyncConfigFor(userID)
		other, err := e.store.EnsureOtherProject(userID, cfg.DefaultUnassignedProjectName)
		if err != nil {
			return Task{}, err
		}
		projectID = other.ID
	}
	if _, err := e.store.GetProject(userID, projectID); err != nil {
		return Task{}, err
	}
	return e.UpdateTask(ctx, userID, taskID, TaskPatch{ProjectIDs: []string{projectID}})
}

// ProjectInput is the UI save payload for a project. An empty ID creates;
// TargetDatabaseID selects where a remote page is created.
type ProjectInput struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Status           string `json:"status,omitempty"`
	Category         string `json:"category,omitempty"`
	Color            string `json:"color,omitempty"`
	NotionID         string `json:"notionId,omitempty"`
	NotionDatabaseID string `json:"notionDatabaseId,omitempty"`
	TargetDatabaseID string `json:"targetDatabaseId,omitempty"`
	IsOtherBucket    bool   `json:"isOtherBucket,omitempty"`
}

// SaveProject is the full UI save path: local write first, then remote
// update-or-create. A freshly created local doc gains its remote id in a
// follow-up local update once the remote create succeeds; if the remote
// call fails the doc stays local-only until the user edits it again.
func (e *Engine) SaveProject(ctx context.Context, userID string, input ProjectInput) (Project, error) {
	status := NormalizeStatus(input.Status)
	databaseID := input.NotionDatabaseID
	if databaseID == "" {
		databaseID = input.TargetDatabaseID
	}

	var project Project
	var err error
	if input.ID != "" {
		patch := ProjectPatch{
			Name:             &input.Name,
			Status:           &status,
			NotionDatabaseID: &databaseID,
		}
		if input.Category != "" {
			patch.Category = &input.Category
		}
		if input.Color != "" {
			patch.Color = &input.Color
		}
		project, err = e.store.UpdateProject(userID, input.ID, patch)
	} else {
		project, err = e.store.CreateProject(userID, Project{
			Name:             input.Name,
			Status:           status,
			Category:         input.Category,
			Color:            input.Color,
			NotionID:         input.NotionID,
			NotionDatabaseID: databaseID,
			IsOtherBucket:    input.IsOtherBucket,
		})
	}
	if err != nil {
		return Project{}, err
	}

	cfg := e.store.SyncConfigFor(userID)
	targetDB, ok := findMapping(cfg.ProjectDatabases, input.TargetDatabaseID)
	if !cfg.IsRealMode || !ok {
		return project, nil
	}
	properties := map[string]PropertyValue{
		targetDB.TitleProp:  TitleProperty(project.Name),
		targetDB.StatusProp: SelectProperty(project.Status),
	}
	if targetDB.CategoryProp != "" {
		properties[targetDB.CategoryProp] = SelectProperty(project.Category)
	}
	if project.NotionID != "" {
		if _, err := e.gateway.UpdatePage(ctx, project.NotionID, properties); err != nil {
			e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		}
		return project, nil
	}
	page, err := e.gateway.CreatePage(ctx, targetDB.ID, properties)
	if err != nil {
		e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		return project, nil
	}
	return e.store.UpdateProject(userID, project.ID, ProjectPatch{
		NotionID:         &page.ID,
		NotionDatabaseID: &targetDB.ID,
	})
}

// TaskInput is the UI save payload for a task.
type TaskInput struct {
	ID               string   `json:"id,omitempty"`
	Title            string   `json:"title"`
	Status           string   `json:"status,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	ProjectIDs       []string `json:"projectIds,omitempty"`
	NotionID         string   `json:"notionId,omitempty"`
	NotionDatabaseID string   `json:"notionDatabaseId,omitempty"`
	TargetDatabaseID string   `json:"targetDatabaseId,omitempty"`
}

// SaveTask mirrors SaveProject for tasks, resolving project membership
// first: unresolvable selections fall back to the other bucket.
func (e *Engine) SaveTask(ctx context.Context, userID string, input TaskInput) (Task, error) {
	cfg := e.store.SyncConfigFor(userID)
	status := NormalizeStatus(input.Status)
	priority := input.Priority
	if priority == "" {
		priority = "Medium"
	}
	databaseID := input.NotionDatabaseID
	if databaseID == "" {
		databaseID = input.TargetDatabaseID
	}

	resolved := make([]string, 0, len(input.ProjectIDs))
	for _, id := range input.ProjectIDs {
		if _, err := e.store.GetProject(userID, id); err == nil {
			resolved = append(resolved, id)
		}
	}
	if len(resolved) == 0 {
		other, err := e.store.EnsureOtherProject(userID, cfg.DefaultUnassignedProjectName)
		if err != nil {
			return Task{}, err
		}
		resolved = []string{other.ID}
	}

	var task Task
	var err error
	if input.ID != "" {
		task, err = e.store.UpdateTask(userID, input.ID, TaskPatch{
			Title:            &input.Title,
			Status:           &status,
			Priority:         &priority,
			NotionDatabaseID: &databaseID,
			ProjectIDs:       resolved,
		})
	} else {
		primary, getErr := e.store.GetProject(userID, resolved[0])
		if getErr != nil {
			return Task{}, getErr
		}
		task, err = e.store.CreateTask(userID, Task{
			Title:            input.Title,
			Status:           status,
			Priority:         priority,
			ProjectID:        primary.ID,
			ProjectIDs:       resolved,
			ProjectName:      primary.Name,
			ProjectNotionID:  primary.NotionID,
			NotionID:         input.NotionID,
			NotionDatabaseID: databaseID,
		})
	}
	if err != nil {
		return Task{}, err
	}

	targetDB, ok := findMapping(cfg.TaskDatabases, input.TargetDatabaseID)
	if !cfg.IsRealMode || !ok {
		return task, nil
	}
	priorityProp := targetDB.PriorityProp
	if priorityProp == "" {
		priorityProp = "Priority"
	}
	properties := map[string]PropertyValue{
		targetDB.TitleProp:  TitleProperty(task.Title),
		targetDB.StatusProp: SelectProperty(task.Status),
		priorityProp:        SelectProperty(task.Priority),
	}
	if targetDB.ProjectProp != "" {
		properties[targetDB.ProjectProp] = RelationProperty(e.remoteProjectIDs(userID, resolved))
	}
	if task.NotionID != "" {
		if _, err := e.gateway.UpdatePage(ctx, task.NotionID, properties); err != nil {
			e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		}
		return task, nil
	}
	page, err := e.gateway.CreatePage(ctx, targetDB.ID, properties)
	if err != nil {
		e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		return task, nil
	}
	return e.store.UpdateTask(userID, task.ID, TaskPatch{
		NotionID:         &page.ID,
		NotionDatabaseID: &targetDB.ID,
	})
}

// Writeback accumulates a closed session's elapsed minutes onto the
// remote writeback property. Target resolution prefers the task's remote
// page, then the project's; with neither the session is local-only and
// the writeback is skipped silently. The session stays closed locally no
// matter what the gateway says.
func (e *Engine) Writeback(ctx context.Context, userID string, log TimeLog) error {
	if log.EndTime == nil {
		return fmt.Errorf("%w: timelog %s is still running", ErrInvalidState, log.ID)
	}
	durationMinutes := log.EndTime.Sub(log.StartTime).Minutes()

	targetID := ""
	targetName := log.ProjectName
	if log.TaskID != "" {
		if task, err := e.store.GetTask(userID, log.TaskID); err == nil && task.NotionID != "" {
			targetID = task.NotionID
			targetName = task.Title
		}
	}
	if targetID == "" && log.ProjectID != "" {
		if project, err := e.store.GetProject(userID, log.ProjectID); err == nil && project.NotionID != "" {
			targetID = project.NotionID
			targetName = project.Name
		}
	}
	if targetID == "" && log.ProjectNotionID != "" {
		targetID = log.ProjectNotionID
	}
	if targetID == "" {
		return nil
	}

	cfg := e.store.SyncConfigFor(userID)
	if !cfg.IsRealMode {
		e.notify(userID, "info", fmt.Sprintf("[simulated] %s: +%.1fmin", targetName, durationMinutes))
		return nil
	}
	property := cfg.WriteBackProp
	if property == "" {
		property = "TimeSpent"
	}
	e.notify(userID, "loading", fmt.Sprintf("syncing %s...", targetName))
	result, err := e.gateway.IncrementNumberProperty(ctx, targetID, property, durationMinutes)
	if err != nil {
		e.notify(userID, "error", fmt.Sprintf("sync failed: %v", err))
		return err
	}
	e.notify(userID, "success", fmt.Sprintf("synced %s: %.1f total", targetName, result.NewValue))
	return nil
}

// AddManualLog records a hand-entered session. A closed entry triggers
// the same best-effort writeback as stopping the timer; the local insert
// commits first and stands regardless of the gateway outcome.
func (e *Engine) AddManualLog(ctx context.Context, userID string, log TimeLog) (TimeLog, error) {
	created, err := e.store.CreateTimeLog(userID, log)
	if err != nil {
		return TimeLog{}, err
	}
	if created.EndTime != nil {
		_ = e.Writeback(ctx, userID, created)
	}
	return created, nil
}
