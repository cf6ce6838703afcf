package engine //nolint:testpackage // white-box tests

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
	"foreman/pkg/task"
	"foreman/pkg/workspace"
)

type fakeSessions struct {
	mu       sync.Mutex
	alive    map[string]bool
	spawns   []string // recorded commands
	kills    []string
	spawnErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: make(map[string]bool)}
}

func (f *fakeSessions) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakeSessions) Spawn(name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.alive[name] = true
	f.spawns = append(f.spawns, name+" "+dir+" "+command)
	return nil
}

func (f *fakeSessions) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, name)
	if !f.alive[name] {
		return fmt.Errorf("no session %s", name)
	}
	delete(f.alive, name)
	return nil
}

type checkoutCall struct {
	branch   string
	deferPop bool
}

type fakeWorkspace struct {
	created      []string
	removed      []string
	merged       []string
	checkouts    []checkoutCall
	pops         int
	previews     []string
	refreshes    []string
	refreshMoved bool
	createErr    error
	mergeResult  *workspace.MergeResult // nil means success
	current      workspace.BranchInfo
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{current: workspace.BranchInfo{Branch: "main"}}
}

func (f *fakeWorkspace) CreateWorktree(_ context.Context, repoPath, shortID string) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.created = append(f.created, shortID)
	return workspace.WorktreePath(repoPath, shortID), protocol.BranchPrefix + shortID, nil
}

func (f *fakeWorkspace) RemoveWorktree(_ context.Context, _, shortID string) {
	f.removed = append(f.removed, shortID)
}

func (f *fakeWorkspace) MergeWorktree(_ context.Context, _, shortID string) workspace.MergeResult {
	f.merged = append(f.merged, shortID)
	if f.mergeResult != nil {
		return *f.mergeResult
	}
	f.removed = append(f.removed, shortID)
	return workspace.MergeResult{Success: true, Branch: protocol.BranchPrefix + shortID}
}

func (f *fakeWorkspace) CurrentBranch(context.Context, string) workspace.BranchInfo {
	return f.current
}

func (f *fakeWorkspace) CheckoutBranch(_ context.Context, _, branch string, opts workspace.CheckoutOpts) error {
	f.checkouts = append(f.checkouts, checkoutCall{branch: branch, deferPop: opts.DeferPop})
	f.current = workspace.BranchInfo{Branch: branch}
	return nil
}

func (f *fakeWorkspace) PopAutoStash(context.Context, string) { f.pops++ }

func (f *fakeWorkspace) EnsurePreviewBranch(_ context.Context, _, branch string) (string, error) {
	f.previews = append(f.previews, branch)
	return protocol.PreviewBranch(branch), nil
}

func (f *fakeWorkspace) RefreshPreviewBranch(_ context.Context, _, branch string) bool {
	f.refreshes = append(f.refreshes, branch)
	return f.refreshMoved
}

type recNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recNotifier) Notify(_ context.Context, ev notify.Event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recNotifier) saw(ev notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

type fixture struct {
	eng      *Engine
	store    store.Store
	sessions *fakeSessions
	ws       *fakeWorkspace
	notifier *recNotifier
	proj     *task.Project
}

func newFixture(t *testing.T, mode task.ExecutionMode, cfg Config) *fixture {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	proj := task.NewProject(t.TempDir())
	proj.ExecutionMode = mode
	if err := st.PutProject(proj); err != nil {
		t.Fatalf("PutProject: %v", err)
	}

	if cfg.SessionsDir == "" {
		cfg.SessionsDir = t.TempDir()
	}
	sessions := newFakeSessions()
	ws := newFakeWorkspace()
	notifier := &recNotifier{}
	eng := New(st, ws, sessions, notifier, nil, log.New(io.Discard), cfg)
	return &fixture{eng: eng, store: st, sessions: sessions, ws: ws, notifier: notifier, proj: proj}
}

// addTask seeds a task in the given status/dispatch at the given order.
func (f *fixture) addTask(t *testing.T, status task.Status, dispatch task.Dispatch, order float64) *task.Task {
	t.Helper()
	tk := task.New("task at "+fmt.Sprint(order), "")
	tk.Status = status
	tk.Dispatch = dispatch
	tk.Order = order
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	return tk
}

func (f *fixture) reload(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.store.GetTask(f.proj.ID, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return tk
}

func (f *fixture) hasTimer(id string) bool {
	f.eng.mu.Lock()
	defer f.eng.mu.Unlock()
	_, ok := f.eng.timers[id]
	return ok
}

func TestProcessQueueSequentialDispatchesOne(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	first := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)
	second := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 2)

	f.eng.ProcessQueue(context.Background(), f.proj.ID)

	if got := f.reload(t, first.ID).Dispatch; got != task.DispatchRunning {
		t.Errorf("first task dispatch: got %s, want running", got)
	}
	if got := f.reload(t, second.ID).Dispatch; got != task.DispatchQueued {
		t.Errorf("second task dispatch: got %s, want queued", got)
	}
	if len(f.sessions.spawns) != 1 {
		t.Errorf("spawns: got %d, want 1", len(f.sessions.spawns))
	}
}

func TestProcessQueueSequentialRespectsActiveSlot(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	f.addTask(t, task.StatusInProgress, task.DispatchQueued, 2)

	f.eng.ProcessQueue(context.Background(), f.proj.ID)

	if len(f.sessions.spawns) != 0 {
		t.Errorf("expected no spawn while slot occupied, got %d", len(f.sessions.spawns))
	}
}

func TestProcessQueueParallelDispatchesAll(t *testing.T) {
	f := newFixture(t, task.ExecParallel, Config{})
	a := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)
	b := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 2)

	f.eng.ProcessQueue(context.Background(), f.proj.ID)

	for _, tk := range []*task.Task{a, b} {
		if got := f.reload(t, tk.ID).Dispatch; got != task.DispatchRunning {
			t.Errorf("task %s dispatch: got %s, want running", tk.ID, got)
		}
	}
	if len(f.sessions.spawns) != 2 {
		t.Errorf("spawns: got %d, want 2", len(f.sessions.spawns))
	}
}

func TestProcessQueueIdempotent(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)

	ctx := context.Background()
	f.eng.ProcessQueue(ctx, f.proj.ID)
	f.eng.ProcessQueue(ctx, f.proj.ID)
	f.eng.ProcessQueue(ctx, f.proj.ID)

	if len(f.sessions.spawns) != 1 {
		t.Errorf("redundant passes spawned %d times, want 1", len(f.sessions.spawns))
	}
}

func TestDispatchTaskCreatesWorkspace(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)

	handle, err := f.eng.DispatchTask(context.Background(), DispatchRequest{
		ProjectID: f.proj.ID, TaskID: tk.ID, Title: tk.Title,
	})
	if err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}
	if want := protocol.TaskSessionName(tk.ID); handle != want {
		t.Errorf("handle: got %q, want %q", handle, want)
	}

	got := f.reload(t, tk.ID)
	if !got.HasWorkspace() {
		t.Error("workspace fields not set after dispatch")
	}
	if got.Branch != protocol.TaskBranch(tk.ID) {
		t.Errorf("branch: got %q, want %q", got.Branch, protocol.TaskBranch(tk.ID))
	}
	if len(f.ws.created) != 1 || f.ws.created[0] != tk.ShortID() {
		t.Errorf("created worktrees: got %v", f.ws.created)
	}
	if len(f.sessions.spawns) != 1 || !strings.Contains(f.sessions.spawns[0], "--output-mode structured") {
		t.Errorf("spawn command: got %v", f.sessions.spawns)
	}
}

func TestDispatchTaskReusesWorkspace(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)
	tk.WorktreePath = "/existing/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	if _, err := f.eng.DispatchTask(context.Background(), DispatchRequest{
		ProjectID: f.proj.ID, TaskID: tk.ID, Title: tk.Title,
	}); err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}
	if len(f.ws.created) != 0 {
		t.Errorf("expected no worktree creation on resume, got %v", f.ws.created)
	}
	if !strings.Contains(f.sessions.spawns[0], "/existing/wt") {
		t.Errorf("spawn should target existing worktree: %v", f.sessions.spawns)
	}
}

func TestDispatchTaskRefusesLiveSession(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)
	f.sessions.alive[protocol.TaskSessionName(tk.ID)] = true

	if _, err := f.eng.DispatchTask(context.Background(), DispatchRequest{
		ProjectID: f.proj.ID, TaskID: tk.ID,
	}); err == nil {
		t.Fatal("expected collision error")
	}
	if len(f.ws.created) != 0 {
		t.Error("collision must not create a workspace")
	}
}

func TestDispatchFailureRequeues(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 1)
	f.sessions.spawnErr = fmt.Errorf("tmux broke")

	f.eng.ProcessQueue(context.Background(), f.proj.ID)

	if got := f.reload(t, tk.ID).Dispatch; got != task.DispatchQueued {
		t.Errorf("dispatch after spawn failure: got %s, want queued", got)
	}
	if !f.notifier.saw(notify.EventDispatchFail) {
		t.Error("expected dispatch-failure notification")
	}
}

func TestApplyStatusChangeDoneMergesAndSchedulesCleanup(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	got, err := f.eng.ApplyStatusChange(context.Background(), f.proj.ID, tk.ID, task.StatusDone)
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if got.Status != task.StatusDone || got.Dispatch != task.DispatchNone {
		t.Errorf("state: got %s/%s", got.Status, got.Dispatch)
	}
	if got.HasWorkspace() {
		t.Error("workspace fields should be cleared after merge")
	}
	if len(f.ws.merged) != 1 {
		t.Errorf("merges: got %v", f.ws.merged)
	}
	if !f.hasTimer(tk.ID) {
		t.Error("cleanup timer not armed")
	}
	if !f.notifier.saw(notify.EventTaskDone) {
		t.Error("expected done notification")
	}
}

func TestApplyStatusChangeDoneConflict(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	f.ws.mergeResult = &workspace.MergeResult{
		Error:         "merge conflict",
		ConflictFiles: []string{"src/app.ts"},
		Branch:        tk.Branch,
	}

	got, err := f.eng.ApplyStatusChange(context.Background(), f.proj.ID, tk.ID, task.StatusDone)
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if got.Status != task.StatusVerify || got.Dispatch != task.DispatchNone {
		t.Errorf("state after conflict: got %s/%s, want verify/none", got.Status, got.Dispatch)
	}
	if got.MergeConflict == nil || len(got.MergeConflict.Files) != 1 || got.MergeConflict.Files[0] != "src/app.ts" {
		t.Errorf("conflict record: got %+v", got.MergeConflict)
	}
	if !got.HasWorkspace() {
		t.Error("conflict must keep the workspace for resolution")
	}
	if f.hasTimer(tk.ID) {
		t.Error("conflict must not arm cleanup")
	}
	if len(f.ws.removed) != 0 {
		t.Errorf("conflict removed the worktree: %v", f.ws.removed)
	}
	if !f.notifier.saw(notify.EventMergeConflict) {
		t.Error("expected conflict notification")
	}
}

func TestApplyStatusChangeTodoDiscards(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	tk.Findings = "some findings"
	tk.AgentLog = "log text"
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	f.sessions.alive[protocol.TaskSessionName(tk.ID)] = true

	got, err := f.eng.ApplyStatusChange(context.Background(), f.proj.ID, tk.ID, task.StatusTodo)
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if got.Status != task.StatusTodo || got.Dispatch != task.DispatchNone {
		t.Errorf("state: got %s/%s", got.Status, got.Dispatch)
	}
	if got.Findings != "" || got.AgentLog != "" || got.HasWorkspace() {
		t.Errorf("ephemeral fields not reset: %+v", got)
	}
	if len(f.ws.removed) != 1 || f.ws.removed[0] != tk.ShortID() {
		t.Errorf("removed worktrees: got %v", f.ws.removed)
	}
	if len(f.ws.merged) != 0 {
		t.Error("discard must not merge")
	}
	if len(f.sessions.kills) == 0 {
		t.Error("expected session kill")
	}
}

func TestApplyStatusChangePrimaryOnTaskBranch(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	// Human is previewing the task branch.
	f.ws.current = workspace.BranchInfo{Branch: protocol.PreviewBranch(tk.Branch)}

	if _, err := f.eng.ApplyStatusChange(context.Background(), f.proj.ID, tk.ID, task.StatusDone); err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if len(f.ws.checkouts) != 1 || f.ws.checkouts[0].branch != "main" || !f.ws.checkouts[0].deferPop {
		t.Errorf("expected deferred checkout to main, got %+v", f.ws.checkouts)
	}
	if f.ws.pops != 1 {
		t.Errorf("expected one deferred stash pop, got %d", f.ws.pops)
	}
}

func TestApplyStatusChangeResumeFromVerify(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusVerify, task.DispatchNone, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	f.sessions.alive[protocol.TaskSessionName(tk.ID)] = true
	f.eng.ScheduleCleanup(f.proj.ID, tk.ID)

	got, err := f.eng.ApplyStatusChange(context.Background(), f.proj.ID, tk.ID, task.StatusInProgress)
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if got.Dispatch != task.DispatchRunning {
		t.Errorf("resume dispatch: got %s, want running", got.Dispatch)
	}
	if f.hasTimer(tk.ID) {
		t.Error("re-entering in-progress must cancel cleanup")
	}
	if len(f.sessions.spawns) != 0 {
		t.Error("live session must not be respawned")
	}
}

func TestReconcileOrphans(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{OrphanGrace: time.Nanosecond})
	dead := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	next := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 2)

	tasks, err := f.eng.ReconcileOrphans(context.Background(), f.proj.ID)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}

	healed := f.reload(t, dead.ID)
	if healed.Status != task.StatusVerify || healed.Dispatch != task.DispatchNone {
		t.Errorf("orphan: got %s/%s, want verify/none", healed.Status, healed.Dispatch)
	}
	if !f.hasTimer(dead.ID) {
		t.Error("orphan heal must arm cleanup")
	}
	if !f.notifier.saw(notify.EventOrphan) {
		t.Error("expected orphan notification")
	}
	// The freed slot advances the queue.
	if got := f.reload(t, next.ID).Dispatch; got != task.DispatchRunning {
		t.Errorf("next task dispatch: got %s, want running", got)
	}
}

func TestReconcileOrphansLeavesLiveSessionsAlone(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{OrphanGrace: time.Nanosecond})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	f.sessions.alive[protocol.TaskSessionName(tk.ID)] = true

	if _, err := f.eng.ReconcileOrphans(context.Background(), f.proj.ID); err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if got := f.reload(t, tk.ID).Status; got != task.StatusInProgress {
		t.Errorf("live task was healed: got %s", got)
	}
}

func TestReconcileOrphansGraceWindow(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{OrphanGrace: time.Hour})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchStarting, 1)
	f.eng.markDispatched(tk.ID)

	if _, err := f.eng.ReconcileOrphans(context.Background(), f.proj.ID); err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if got := f.reload(t, tk.ID).Status; got != task.StatusInProgress {
		t.Errorf("freshly dispatched task was healed within grace: got %s", got)
	}
}

func TestCleanupFires(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{CleanupDelay: 10 * time.Millisecond})
	tk := f.addTask(t, task.StatusDone, task.DispatchNone, 1)
	session := protocol.TaskSessionName(tk.ID)
	f.sessions.alive[session] = true

	f.eng.ScheduleCleanup(f.proj.ID, tk.ID)

	deadline := time.Now().Add(2 * time.Second)
	for f.sessions.Exists(session) {
		if time.Now().After(deadline) {
			t.Fatal("cleanup never killed the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Status untouched by cleanup.
	if got := f.reload(t, tk.ID).Status; got != task.StatusDone {
		t.Errorf("cleanup mutated status: got %s", got)
	}
}

func TestCancelCleanup(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{CleanupDelay: 15 * time.Millisecond})
	tk := f.addTask(t, task.StatusDone, task.DispatchNone, 1)
	session := protocol.TaskSessionName(tk.ID)
	f.sessions.alive[session] = true

	f.eng.ScheduleCleanup(f.proj.ID, tk.ID)
	f.eng.CancelCleanup(tk.ID)

	time.Sleep(60 * time.Millisecond)
	if !f.sessions.Exists(session) {
		t.Error("cancelled cleanup still killed the session")
	}
	if f.hasTimer(tk.ID) {
		t.Error("cancelled timer still tracked")
	}
}

func TestShouldDispatch(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	if !f.eng.ShouldDispatch(f.proj.ID) {
		t.Error("empty project should have a free slot")
	}
	f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	if f.eng.ShouldDispatch(f.proj.ID) {
		t.Error("active task should occupy the slot")
	}
}

func TestDeleteTaskInProgress(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	next := f.addTask(t, task.StatusInProgress, task.DispatchQueued, 2)

	if err := f.eng.DeleteTask(context.Background(), f.proj.ID, tk.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := f.store.GetTask(f.proj.ID, tk.ID); err == nil {
		t.Error("task record still present")
	}
	if len(f.ws.removed) != 1 {
		t.Errorf("removed worktrees: got %v", f.ws.removed)
	}
	if got := f.reload(t, next.ID).Dispatch; got != task.DispatchRunning {
		t.Errorf("queue did not advance after delete: got %s", got)
	}
}

func TestPreviewTaskChecksOutPreviewBranch(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	preview, moved, err := f.eng.PreviewTask(context.Background(), f.proj.ID, tk.ID)
	if err != nil {
		t.Fatalf("PreviewTask: %v", err)
	}
	if preview != protocol.PreviewBranch(tk.Branch) {
		t.Errorf("preview branch = %q", preview)
	}
	if !moved {
		t.Error("fresh checkout should report moved")
	}
	if len(f.ws.previews) != 1 || f.ws.previews[0] != tk.Branch {
		t.Errorf("ensured previews: %v", f.ws.previews)
	}
	if len(f.ws.checkouts) != 1 || f.ws.checkouts[0].branch != preview {
		t.Errorf("checkouts: %+v", f.ws.checkouts)
	}
}

func TestPreviewTaskRefreshesWhenAlreadyOnPreview(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)
	tk.WorktreePath = "/wt"
	tk.Branch = protocol.TaskBranch(tk.ID)
	if err := f.store.PutTask(f.proj.ID, tk); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	f.ws.current = workspace.BranchInfo{Branch: protocol.PreviewBranch(tk.Branch)}
	f.ws.refreshMoved = true

	preview, moved, err := f.eng.PreviewTask(context.Background(), f.proj.ID, tk.ID)
	if err != nil {
		t.Fatalf("PreviewTask: %v", err)
	}
	if preview != protocol.PreviewBranch(tk.Branch) || !moved {
		t.Errorf("preview=%q moved=%v", preview, moved)
	}
	if len(f.ws.refreshes) != 1 || len(f.ws.checkouts) != 0 {
		t.Errorf("refreshes=%v checkouts=%+v", f.ws.refreshes, f.ws.checkouts)
	}
}

func TestPreviewTaskWithoutWorkspaceFails(t *testing.T) {
	f := newFixture(t, task.ExecSequential, Config{})
	tk := f.addTask(t, task.StatusInProgress, task.DispatchRunning, 1)

	if _, _, err := f.eng.PreviewTask(context.Background(), f.proj.ID, tk.ID); err == nil {
		t.Fatal("expected error for task without workspace")
	}
}
