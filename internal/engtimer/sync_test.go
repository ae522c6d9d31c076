package engtimer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type updateCall struct {
	PageID     string
	Properties map[string]PropertyValue
}

type createCall struct {
	DatabaseID string
	Properties map[string]PropertyValue
}

type incrementCall struct {
	PageID   string
	Property string
	Delta    float64
}

// fakeGateway records every call and serves canned query results keyed by
// database id.
type fakeGateway struct {
	mu sync.Mutex

	queryResults map[string]QueryResult
	queryErrs    map[string]error
	createErr    error
	updateErr    error
	incrementErr error

	nextPageID string
	current    float64

	updates    []updateCall
	creates    []createCall
	increments []incrementCall
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		queryResults: map[string]QueryResult{},
		queryErrs:    map[string]error{},
		nextPageID:   "remote-page-1",
	}
}

func (g *fakeGateway) QueryDatabase(_ context.Context, databaseID string, _ map[string]any) (QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.queryErrs[databaseID]; ok {
		return QueryResult{}, err
	}
	return g.queryResults[databaseID], nil
}

func (g *fakeGateway) CreatePage(_ context.Context, databaseID string, properties map[string]PropertyValue) (RemotePage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return RemotePage{}, g.createErr
	}
	g.creates = append(g.creates, createCall{DatabaseID: databaseID, Properties: properties})
	return RemotePage{ID: g.nextPageID, Properties: properties}, nil
}

func (g *fakeGateway) UpdatePage(_ context.Context, pageID string, properties map[string]PropertyValue) (RemotePage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return RemotePage{}, g.updateErr
	}
	g.updates = append(g.updates, updateCall{PageID: pageID, Properties: properties})
	return RemotePage{ID: pageID, Properties: properties}, nil
}

func (g *fakeGateway) IncrementNumberProperty(_ context.Context, pageID, property string, delta float64) (IncrementResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.incrementErr != nil {
		return IncrementResult{}, g.incrementErr
	}
	g.increments = append(g.increments, incrementCall{PageID: pageID, Property: property, Delta: delta})
	g.current += delta
	return IncrementResult{Success: true, NewValue: g.current}, nil
}

type noticeRecord struct {
	Level   string
	Message string
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []noticeRecord
}

func (r *noticeRecorder) Notify(_, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, noticeRecord{Level: level, Message: message})
}

func (r *noticeRecorder) all() []noticeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]noticeRecord(nil), r.notices...)
}

func importTestConfig() SyncConfig {
	return SyncConfig{
		IsRealMode:                   true,
		WriteBackProp:                "TimeSpent",
		DefaultUnassignedProjectName: "Other",
		ProjectDatabases: []DatabaseMapping{
			{ID: "proj-db", Name: "Projects", TitleProp: "Name", StatusProp: "Status", CategoryProp: "Category"},
		},
		TaskDatabases: []DatabaseMapping{
			{ID: "task-db", Name: "Tasks", TitleProp: "Task", StatusProp: "Status", ProjectProp: "Project", PriorityProp: "Priority"},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *Store, *fakeGateway, *noticeRecorder) {
	t.Helper()
	store := newTestStore(t)
	gateway := newFakeGateway()
	recorder := &noticeRecorder{}
	engine := NewEngine(EngineOptions{Store: store, Gateway: gateway, Notifier: recorder.Notify})
	if _, err := store.SetSyncConfig("u1", importTestConfig()); err != nil {
		t.Fatalf("set config: %v", err)
	}
	return engine, store, gateway, recorder
}

func projectPage(id, name, status string) RemotePage {
	return RemotePage{
		ID: id,
		Properties: map[string]PropertyValue{
			"Name":     {Title: []RichTextValue{{PlainText: name}}},
			"Status":   {Select: &SelectOption{Name: status, Color: "blue"}},
			"Category": {Select: &SelectOption{Name: "Infra", Color: "green"}},
		},
	}
}

func taskPage(id, title, status, relationID string) RemotePage {
	props := map[string]PropertyValue{
		"Task":     {Title: []RichTextValue{{PlainText: title}}},
		"Status":   {Status: &SelectOption{Name: status}},
		"Priority": {Select: &SelectOption{Name: "High"}},
	}
	if relationID != "" {
		props["Project"] = PropertyValue{Relation: []RelationRef{{ID: relationID}}}
	}
	return RemotePage{ID: id, Properties: props}
}

func TestImportCreatesProjectsAndTasks(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	gateway.queryResults["proj-db"] = QueryResult{Results: []RemotePage{
		projectPage("np-1", "Alpha", "In Progress"),
		projectPage("np-2", "Beta", "Done"),
	}}
	gateway.queryResults["task-db"] = QueryResult{Results: []RemotePage{
		taskPage("nt-1", "Wire parser", "To Do", "np-1"),
		taskPage("nt-2", "Old chore", "Completed", "np-1"),
		taskPage("nt-3", "Orphan", "To Do", "np-missing"),
	}}

	summary, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	// One project (Done skipped) and two tasks (Completed skipped).
	if summary.Added != 3 || summary.Updated != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", summary.Failures)
	}

	alpha, ok := store.FindProjectByNotionID("u1", "np-1")
	if !ok {
		t.Fatalf("imported project not found")
	}
	if alpha.Name != "Alpha" || alpha.Status != "In Progress" || alpha.Category != "Infra" {
		t.Fatalf("unexpected project: %+v", alpha)
	}
	if alpha.Color != "#22c55e" {
		t.Fatalf("expected category color, got %s", alpha.Color)
	}
	if _, ok := store.FindProjectByNotionID("u1", "np-2"); ok {
		t.Fatalf("Done project must not be imported")
	}

	wired, ok := store.FindTaskByNotionID("u1", "nt-1")
	if !ok {
		t.Fatalf("imported task not found")
	}
	if wired.ProjectID != alpha.ID || wired.ProjectName != "Alpha" {
		t.Fatalf("relation not resolved: %+v", wired)
	}
	if wired.Priority != "High" {
		t.Fatalf("priority not read: %+v", wired)
	}
	if _, ok := store.FindTaskByNotionID("u1", "nt-2"); ok {
		t.Fatalf("Completed task must not be imported")
	}

	orphan, ok := store.FindTaskByNotionID("u1", "nt-3")
	if !ok {
		t.Fatalf("orphan task not found")
	}
	bucket, err := store.GetProject("u1", orphan.ProjectID)
	if err != nil {
		t.Fatalf("get orphan project: %v", err)
	}
	if !bucket.IsOtherBucket {
		t.Fatalf("expected orphan to land in other bucket, got %+v", bucket)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)
	gateway.queryResults["proj-db"] = QueryResult{Results: []RemotePage{projectPage("np-1", "Alpha", "To Do")}}
	gateway.queryResults["task-db"] = QueryResult{Results: []RemotePage{taskPage("nt-1", "Wire parser", "To Do", "np-1")}}

	first, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Added != 2 {
		t.Fatalf("unexpected first summary: %+v", first)
	}

	second, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Added != 0 || second.Updated != 2 {
		t.Fatalf("expected pure update on re-import, got %+v", second)
	}
}

func TestImportRecordsPerDatabaseFailuresAndContinues(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	cfg := importTestConfig()
	cfg.ProjectDatabases = append(cfg.ProjectDatabases, DatabaseMapping{
		ID: "broken-db", Name: "Broken", TitleProp: "Name", StatusProp: "Status",
	})
	if _, err := store.SetSyncConfig("u1", cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	gateway.queryResults["proj-db"] = QueryResult{Results: []RemotePage{projectPage("np-1", "Alpha", "To Do")}}
	gateway.queryErrs["broken-db"] = &GatewayError{Status: 500, Body: "boom"}

	summary, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("import should tolerate per-database failures: %v", err)
	}
	if summary.Added != 1 {
		t.Fatalf("healthy database should still import: %+v", summary)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("expected one recorded failure, got %v", summary.Failures)
	}
}

func TestImportAbortsOnConfigurationError(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)
	gateway.queryErrs["proj-db"] = &GatewayError{Configuration: true, Body: "Missing API Key"}

	_, err := engine.Import(context.Background(), "u1")
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.Configuration {
		t.Fatalf("expected configuration error to abort, got %v", err)
	}
}

func TestUpdateProjectPushesOnlyChangedFields(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	p, err := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-1", NotionDatabaseID: "proj-db"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	status := "进行中"
	if _, err := engine.UpdateProject(context.Background(), "u1", p.ID, ProjectPatch{Status: &status}); err != nil {
		t.Fatalf("update project: %v", err)
	}

	if len(gateway.updates) != 1 {
		t.Fatalf("expected one remote update, got %d", len(gateway.updates))
	}
	push := gateway.updates[0]
	if push.PageID != "np-1" {
		t.Fatalf("unexpected page id: %s", push.PageID)
	}
	if len(push.Properties) != 1 {
		t.Fatalf("expected patch-only payload, got %+v", push.Properties)
	}
	prop, ok := push.Properties["Status"]
	if !ok || prop.Select == nil || prop.Select.Name != "In Progress" {
		t.Fatalf("expected normalized status push, got %+v", push.Properties)
	}
}

func TestUpdateProjectSkipsPushForLocalOnlyProject(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	p, _ := store.CreateProject("u1", Project{Name: "Local"})

	name := "Renamed"
	if _, err := engine.UpdateProject(context.Background(), "u1", p.ID, ProjectPatch{Name: &name}); err != nil {
		t.Fatalf("update project: %v", err)
	}
	if len(gateway.updates) != 0 {
		t.Fatalf("local-only project must not be pushed: %+v", gateway.updates)
	}
}

func TestUpdateProjectKeepsLocalWriteWhenPushFails(t *testing.T) {
	engine, store, gateway, recorder := newTestEngine(t)
	p, _ := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-1", NotionDatabaseID: "proj-db"})
	gateway.updateErr = &GatewayError{Status: 502, Body: "bad gateway"}

	name := "Alpha v2"
	updated, err := engine.UpdateProject(context.Background(), "u1", p.ID, ProjectPatch{Name: &name})
	if err != nil {
		t.Fatalf("local update must succeed despite push failure: %v", err)
	}
	if updated.Name != "Alpha v2" {
		t.Fatalf("unexpected local state: %+v", updated)
	}

	notices := recorder.all()
	if len(notices) != 1 || notices[0].Level != "error" {
		t.Fatalf("expected one error notice, got %+v", notices)
	}
}

func TestMoveTaskToProjectPushesRelation(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	a, _ := store.CreateProject("u1", Project{Name: "A", NotionID: "np-a"})
	b, _ := store.CreateProject("u1", Project{Name: "B", NotionID: "np-b"})
	task, _ := store.CreateTask("u1", Task{Title: "Move me", ProjectID: a.ID, ProjectIDs: []string{a.ID}, NotionID: "nt-1", NotionDatabaseID: "task-db"})

	moved, err := engine.MoveTaskToProject(context.Background(), "u1", task.ID, b.ID)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if moved.ProjectID != b.ID {
		t.Fatalf("unexpected primary project: %+v", moved)
	}

	if len(gateway.updates) != 1 {
		t.Fatalf("expected one remote update, got %d", len(gateway.updates))
	}
	prop, ok := gateway.updates[0].Properties["Project"]
	if !ok || len(prop.Relation) != 1 || prop.Relation[0].ID != "np-b" {
		t.Fatalf("expected relation to remote project id, got %+v", gateway.updates[0].Properties)
	}
}

func TestMoveTaskToEmptyProjectFallsBackToOtherBucket(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	a, _ := store.CreateProject("u1", Project{Name: "A"})
	task, _ := store.CreateTask("u1", Task{Title: "Unassign me", ProjectID: a.ID, ProjectIDs: []string{a.ID}})

	moved, err := engine.MoveTaskToProject(context.Background(), "u1", task.ID, "")
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	bucket, err := store.GetProject("u1", moved.ProjectID)
	if err != nil || !bucket.IsOtherBucket {
		t.Fatalf("expected other bucket target, got %+v err=%v", bucket, err)
	}
}

func TestSaveProjectCreatesRemotePageTwoPhase(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	gateway.nextPageID = "np-new"

	project, err := engine.SaveProject(context.Background(), "u1", ProjectInput{
		Name:             "Brand New",
		Status:           "规划中",
		TargetDatabaseID: "proj-db",
	})
	if err != nil {
		t.Fatalf("save project: %v", err)
	}
	if project.NotionID != "np-new" {
		t.Fatalf("expected remote id recorded locally, got %+v", project)
	}
	if project.NotionDatabaseID != "proj-db" {
		t.Fatalf("expected database id recorded, got %+v", project)
	}
	if project.Status != "Planned" {
		t.Fatalf("expected normalized status, got %q", project.Status)
	}

	if len(gateway.creates) != 1 {
		t.Fatalf("expected one remote create, got %d", len(gateway.creates))
	}
	created := gateway.creates[0]
	if created.DatabaseID != "proj-db" {
		t.Fatalf("unexpected target database: %s", created.DatabaseID)
	}
	if prop, ok := created.Properties["Name"]; !ok || len(prop.Title) != 1 {
		t.Fatalf("expected title property, got %+v", created.Properties)
	}

	// The local doc must carry the remote id after the follow-up write.
	stored, err := store.GetProject("u1", project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if stored.NotionID != "np-new" {
		t.Fatalf("two-phase create did not persist remote id: %+v", stored)
	}
}

func TestSaveProjectKeepsLocalDocWhenRemoteCreateFails(t *testing.T) {
	engine, store, gateway, recorder := newTestEngine(t)
	gateway.createErr = &GatewayError{Status: 500, Body: "boom"}

	project, err := engine.SaveProject(context.Background(), "u1", ProjectInput{
		Name:             "Survivor",
		TargetDatabaseID: "proj-db",
	})
	if err != nil {
		t.Fatalf("save project must not fail on remote error: %v", err)
	}
	if project.NotionID != "" {
		t.Fatalf("expected local-only project, got %+v", project)
	}
	if _, err := store.GetProject("u1", project.ID); err != nil {
		t.Fatalf("local doc must exist: %v", err)
	}
	notices := recorder.all()
	if len(notices) == 0 || notices[len(notices)-1].Level != "error" {
		t.Fatalf("expected error notice, got %+v", notices)
	}
}

func TestSaveProjectSkipsRemoteInSimulatedMode(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	cfg := importTestConfig()
	cfg.IsRealMode = false
	if _, err := store.SetSyncConfig("u1", cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}

	if _, err := engine.SaveProject(context.Background(), "u1", ProjectInput{Name: "Sim", TargetDatabaseID: "proj-db"}); err != nil {
		t.Fatalf("save project: %v", err)
	}
	if len(gateway.creates) != 0 || len(gateway.updates) != 0 {
		t.Fatalf("simulated mode must not touch the gateway")
	}
}

func TestSaveTaskResolvesMembershipAndCreatesRemotely(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	a, _ := store.CreateProject("u1", Project{Name: "A", NotionID: "np-a"})
	gateway.nextPageID = "nt-new"

	task, err := engine.SaveTask(context.Background(), "u1", TaskInput{
		Title:            "New work",
		ProjectIDs:       []string{a.ID, "does-not-exist"},
		TargetDatabaseID: "task-db",
	})
	if err != nil {
		t.Fatalf("save task: %v", err)
	}
	if task.NotionID != "nt-new" {
		t.Fatalf("expected remote id, got %+v", task)
	}
	if task.ProjectID != a.ID || len(task.ProjectIDs) != 1 {
		t.Fatalf("expected unresolved membership dropped, got %+v", task)
	}
	if task.Priority != "Medium" {
		t.Fatalf("expected default priority, got %q", task.Priority)
	}

	if len(gateway.creates) != 1 {
		t.Fatalf("expected one create, got %d", len(gateway.creates))
	}
	prop, ok := gateway.creates[0].Properties["Project"]
	if !ok || len(prop.Relation) != 1 || prop.Relation[0].ID != "np-a" {
		t.Fatalf("expected relation payload, got %+v", gateway.creates[0].Properties)
	}
}

func TestSaveTaskFallsBackToOtherBucketWhenNothingResolves(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	task, err := engine.SaveTask(context.Background(), "u1", TaskInput{Title: "Floating"})
	if err != nil {
		t.Fatalf("save task: %v", err)
	}
	bucket, err := store.GetProject("u1", task.ProjectID)
	if err != nil || !bucket.IsOtherBucket {
		t.Fatalf("expected other bucket assignment, got %+v err=%v", bucket, err)
	}
}

func TestWritebackAccumulatesElapsedMinutes(t *testing.T) {
	engine, _, gateway, recorder := newTestEngine(t)
	gateway.current = 10

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(1500000 * time.Millisecond)
	err := engine.Writeback(context.Background(), "u1", TimeLog{
		ID:              "log_1",
		ProjectName:     "Alpha",
		ProjectNotionID: "np-1",
		StartTime:       start,
		EndTime:         &end,
	})
	if err != nil {
		t.Fatalf("writeback failed: %v", err)
	}

	if len(gateway.increments) != 1 {
		t.Fatalf("expected one increment, got %d", len(gateway.increments))
	}
	call := gateway.increments[0]
	if call.PageID != "np-1" || call.Property != "TimeSpent" {
		t.Fatalf("unexpected increment target: %+v", call)
	}
	if call.Delta != 25.0 {
		t.Fatalf("expected 25.0 minutes, got %v", call.Delta)
	}

	notices := recorder.all()
	if len(notices) != 2 || notices[0].Level != "loading" || notices[1].Level != "success" {
		t.Fatalf("unexpected notice sequence: %+v", notices)
	}
	if notices[1].Message != fmt.Sprintf("synced %s: %.1f total", "Alpha", 35.0) {
		t.Fatalf("unexpected success message: %q", notices[1].Message)
	}
}

func TestWritebackPrefersTaskRemotePage(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	p, _ := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-proj"})
	task, _ := store.CreateTask("u1", Task{Title: "Deep work", ProjectID: p.ID, NotionID: "nt-task"})

	start := time.Now().UTC().Add(-30 * time.Minute)
	end := time.Now().UTC()
	err := engine.Writeback(context.Background(), "u1", TimeLog{
		ID:        "log_1",
		ProjectID: p.ID,
		TaskID:    task.ID,
		StartTime: start,
		EndTime:   &end,
	})
	if err != nil {
		t.Fatalf("writeback failed: %v", err)
	}
	if len(gateway.increments) != 1 || gateway.increments[0].PageID != "nt-task" {
		t.Fatalf("expected task page target, got %+v", gateway.increments)
	}
}

func TestWritebackSkipsLocalOnlySessionsSilently(t *testing.T) {
	engine, _, gateway, recorder := newTestEngine(t)
	start := time.Now().UTC().Add(-5 * time.Minute)
	end := time.Now().UTC()
	err := engine.Writeback(context.Background(), "u1", TimeLog{
		ID:          "log_1",
		ProjectID:   "proj_nonexistent",
		ProjectName: "Local only",
		StartTime:   start,
		EndTime:     &end,
	})
	if err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
	if len(gateway.increments) != 0 {
		t.Fatalf("no increment expected, got %+v", gateway.increments)
	}
	if len(recorder.all()) != 0 {
		t.Fatalf("no notices expected, got %+v", recorder.all())
	}
}

func TestWritebackRejectsRunningSession(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	err := engine.Writeback(context.Background(), "u1", TimeLog{ID: "log_1", ProjectNotionID: "np-1", StartTime: time.Now()})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for open session, got %v", err)
	}
}

func TestWritebackSimulatedModeOnlyNotifies(t *testing.T) {
	engine, store, gateway, recorder := newTestEngine(t)
	cfg := importTestConfig()
	cfg.IsRealMode = false
	if _, err := store.SetSyncConfig("u1", cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}

	start := time.Now().UTC().Add(-10 * time.Minute)
	end := start.Add(10 * time.Minute)
	err := engine.Writeback(context.Background(), "u1", TimeLog{
		ID:              "log_1",
		ProjectName:     "Alpha",
		ProjectNotionID: "np-1",
		StartTime:       start,
		EndTime:         &end,
	})
	if err != nil {
		t.Fatalf("writeback failed: %v", err)
	}
	if len(gateway.increments) != 0 {
		t.Fatalf("simulated mode must not call the gateway")
	}
	notices := recorder.all()
	if len(notices) != 1 || notices[0].Level != "info" {
		t.Fatalf("expected one info notice, got %+v", notices)
	}
	if notices[0].Message != "[simulated] Alpha: +10.0min" {
		t.Fatalf("unexpected message: %q", notices[0].Message)
	}
}

func TestWritebackSurfacesGatewayFailure(t *testing.T) {
	engine, _, gateway, recorder := newTestEngine(t)
	gateway.incrementErr = &GatewayError{Status: 500, Body: "boom"}

	start := time.Now().UTC().Add(-time.Minute)
	end := time.Now().UTC()
	err := engine.Writeback(context.Background(), "u1", TimeLog{
		ID:              "log_1",
		ProjectNotionID: "np-1",
		StartTime:       start,
		EndTime:         &end,
	})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error surfaced, got %v", err)
	}
	notices := recorder.all()
	if len(notices) != 2 || notices[1].Level != "error" {
		t.Fatalf("expected loading then error notices, got %+v", notices)
	}
}

func TestAddManualLogWritesBackClosedEntry(t *testing.T) {
	engine, store, gateway, recorder := newTestEngine(t)
	gateway.current = 10
	p, _ := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-1"})

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Minute)
	created, err := engine.AddManualLog(context.Background(), "u1", TimeLog{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		StartTime:   start,
		EndTime:     &end,
	})
	if err != nil {
		t.Fatalf("add manual log: %v", err)
	}
	if created.Running() {
		t.Fatalf("expected closed entry, got %+v", created)
	}

	if len(gateway.increments) != 1 {
		t.Fatalf("expected one increment, got %d", len(gateway.increments))
	}
	call := gateway.increments[0]
	if call.PageID != "np-1" || call.Property != "TimeSpent" || call.Delta != 25.0 {
		t.Fatalf("unexpected increment: %+v", call)
	}

	notices := recorder.all()
	if len(notices) != 2 || notices[0].Level != "loading" || notices[1].Level != "success" {
		t.Fatalf("unexpected notice sequence: %+v", notices)
	}
}

func TestAddManualLogKeepsLocalEntryWhenWritebackFails(t *testing.T) {
	engine, store, gateway, recorder := newTestEngine(t)
	gateway.incrementErr = errors.New("upstream down")
	p, _ := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-1"})

	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(30 * time.Minute)
	created, err := engine.AddManualLog(context.Background(), "u1", TimeLog{
		ProjectID: p.ID,
		StartTime: start,
		EndTime:   &end,
	})
	if err != nil {
		t.Fatalf("manual entry must stand despite writeback failure, got %v", err)
	}
	if _, getErr := store.GetTimeLog("u1", created.ID); getErr != nil {
		t.Fatalf("entry missing after failed writeback: %v", getErr)
	}

	notices := recorder.all()
	if len(notices) != 2 || notices[1].Level != "error" {
		t.Fatalf("expected loading then error notices, got %+v", notices)
	}
}

func TestAddManualLogOpenEntrySkipsWriteback(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	p, _ := store.CreateProject("u1", Project{Name: "Alpha", NotionID: "np-1"})

	created, err := engine.AddManualLog(context.Background(), "u1", TimeLog{
		ProjectID: p.ID,
		StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("add open entry: %v", err)
	}
	if !created.Running() {
		t.Fatalf("expected open entry, got %+v", created)
	}
	if len(gateway.increments) != 0 {
		t.Fatalf("open entry must not write back, got %+v", gateway.increments)
	}
}

func TestReimportLeavesLocalDocUntouchedWhenPageTurnsDone(t *testing.T) {
	engine, store, gateway, _ := newTestEngine(t)
	gateway.queryResults["proj-db"] = QueryResult{Results: []RemotePage{
		projectPage("np-1", "Alpha", "In Progress"),
	}}
	gateway.queryResults["task-db"] = QueryResult{}

	first, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Added != 1 {
		t.Fatalf("unexpected first summary: %+v", first)
	}

	gateway.queryResults["proj-db"] = QueryResult{Results: []RemotePage{
		projectPage("np-1", "Alpha renamed", "Done"),
	}}
	second, err := engine.Import(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Added != 0 || second.Updated != 0 {
		t.Fatalf("completed page must not touch the local doc: %+v", second)
	}

	alpha, ok := store.FindProjectByNotionID("u1", "np-1")
	if !ok {
		t.Fatalf("local project missing after re-import")
	}
	if alpha.Name != "Alpha" || alpha.Status != "In Progress" {
		t.Fatalf("local doc changed by a Done page: %+v", alpha)
	}
}
