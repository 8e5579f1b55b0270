package importer_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thiblahute/bztophill/internal/importer"
	"github.com/thiblahute/bztophill/internal/phid"
	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/store/memory"
	"github.com/thiblahute/bztophill/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newImporter(t *testing.T, st *memory.Store, baseDir string, policy importer.CommitPolicy) *importer.Importer {
	t.Helper()
	imp, err := importer.New(importer.Config{
		Log:         testLogger(),
		Users:       st,
		Projects:    st,
		Tasks:       st,
		Files:       st,
		Policy:      st,
		Tx:          st,
		BaseDir:     baseDir,
		CommitLevel: policy,
	})
	require.NoError(t, err)
	return imp
}

func runDoc(t *testing.T, st *memory.Store, baseDir string, policy importer.CommitPolicy, doc *types.Document) (*importer.Result, error) {
	t.Helper()
	imp := newImporter(t, st, baseDir, policy)
	return imp.Run(context.Background(), doc)
}

func seedAlice(st *memory.Store) *store.User {
	return st.AddUser("alice", "alice@example.com")
}

func projectRec(id, name string) *types.ProjectRecord {
	return &types.ProjectRecord{
		ID:           id,
		Name:         name,
		Creator:      "alice@example.com",
		CreationDate: "2019-01-01",
		Tracker:      "bugzilla",
		URL:          "https://bugs.example.com",
	}
}

func taskRec(id, title string) *types.TaskRecord {
	return &types.TaskRecord{
		ID:           id,
		Title:        title,
		Description:  "initial report",
		Creator:      "alice@example.com",
		CreationDate: "2019-01-01",
		URL:          "https://bugs.example.com/show_bug.cgi?id=" + id,
	}
}

func TestImportCreatesProjectsAndTasks(t *testing.T) {
	st := memory.New()
	alice := seedAlice(st)
	bob := st.AddUser("bob", "bob@example.com")

	proj := projectRec("GStreamer", "GStreamer")
	proj.Members = []string{"bob@example.com"}
	proj.Description = "multimedia framework"
	task := taskRec("794", "Pipeline hangs on EOS")
	doc := &types.Document{
		Projects: []*types.ProjectRecord{proj},
		Tasks:    []*types.TaskRecord{task},
	}

	res, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProjectsCreated)
	assert.Equal(t, 1, res.TasksCreated)

	p, err := st.FindProjectByPHID(context.Background(), phid.ForProject("GStreamer"))
	require.NoError(t, err)
	assert.Equal(t, "GStreamer", p.Name)
	assert.Equal(t, []string{"gstreamer", "GStreamer"}, p.Slugs)
	assert.Equal(t, "multimedia framework\n\nImported from the bugzilla instance at https://bugs.example.com", p.Description)
	assert.Equal(t, []string{alice.PHID, bob.PHID}, p.MemberPHIDs)

	got, err := st.FindTaskByPHID(context.Background(), phid.ForTask("794"))
	require.NoError(t, err)
	assert.Equal(t, "T1", got.Monogram)
	assert.Equal(t, "Pipeline hangs on EOS", got.Title)
	assert.Equal(t, "initial report\n\nImported from https://bugs.example.com/show_bug.cgi?id=794", got.Description)
	assert.Equal(t, alice.PHID, got.OwnerPHID)
	assert.Equal(t, string(types.StatusOpen), got.Status)
	assert.Equal(t, []string{alice.PHID}, got.SubscriberPHIDs)
}

func TestRerunIsIdempotent(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace.log"), []byte("stack trace"), 0o644))

	task := taskRec("42", "It crashed")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XStatus, Actor: "alice@example.com", Date: "2019-01-02T09:00:00Z", Value: json.RawMessage(`"resolved"`)},
		{Type: types.XPriority, Actor: "alice@example.com", Date: "2019-01-03T09:00:00Z", Value: json.RawMessage(`50`)},
		{Type: types.XComment, Actor: "alice@example.com", Date: "2019-01-04T09:00:00Z", Comment: "cannot reproduce"},
		{Type: types.XAttachment, Actor: "alice@example.com", Date: "2019-01-05T09:00:00Z",
			Value: json.RawMessage(`{"author":"alice@example.com","name":"trace.log","data":"trace.log","mimetype":"text/plain"}`)},
	}
	doc := &types.Document{
		Projects: []*types.ProjectRecord{projectRec("gnome", "GNOME")},
		Tasks:    []*types.TaskRecord{task},
	}

	res1, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.ProjectsCreated)
	assert.Equal(t, 1, res1.TasksCreated)
	assert.Equal(t, 1, res1.FilesIngested)

	pid := phid.ForTask("42")
	historyAfterFirst := st.TaskHistoryLen(pid)
	require.NotZero(t, historyAfterFirst)

	res2, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.ProjectsCreated)
	assert.Equal(t, 1, res2.ProjectsFound)
	assert.Equal(t, 0, res2.TasksCreated)
	assert.Equal(t, 1, res2.TasksUpdated)
	assert.Equal(t, 0, res2.XactsApplied)
	assert.Equal(t, 4, res2.XactsSkipped)
	assert.Equal(t, 0, res2.FilesIngested)

	assert.Equal(t, 1, st.ProjectCount())
	assert.Equal(t, 1, st.TaskCount())
	assert.Equal(t, 1, st.FileCount())
	assert.Equal(t, historyAfterFirst, st.TaskHistoryLen(pid))
}

func TestTaskReferencesRewritten(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	first := taskRec("1", "Original crash")
	first.Transactions = []*types.TransactionRecord{
		{Type: types.XComment, Actor: "alice@example.com", Date: "2019-02-01T08:00:00Z", Comment: "also seen in 2"},
	}
	second := taskRec("2", "Follow-up crash")
	second.Description = "duplicate of 1"
	doc := &types.Document{Tasks: []*types.TaskRecord{first, second}}

	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.NoError(t, err)

	// Task 1 imports before task 2, so the description of 2 can reference it.
	got, err := st.FindTaskByPHID(context.Background(), phid.ForTask("2"))
	require.NoError(t, err)
	assert.Contains(t, got.Description, "duplicate of T1")

	// Comments replay after every monogram is known, so 1's comment can
	// reference the later task 2.
	comments := st.TaskComments(phid.ForTask("1"))
	require.Len(t, comments, 1)
	assert.Equal(t, "also seen in T2", comments[0])
}

func TestNaturalOrderAssignsMonograms(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	doc := &types.Document{Tasks: []*types.TaskRecord{
		taskRec("2", "second"),
		taskRec("10", "tenth"),
		taskRec("1", "first"),
	}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.NoError(t, err)

	for id, monogram := range map[string]string{"1": "T1", "2": "T2", "10": "T3"} {
		got, err := st.FindTaskByPHID(context.Background(), phid.ForTask(id))
		require.NoError(t, err)
		assert.Equal(t, monogram, got.Monogram, "task %s", id)
	}
}

func TestProjectEditSkippedOnNewTaskAppliedOnRerun(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	dir := t.TempDir()

	task := taskRec("3", "Tagged crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XProjects, Actor: "alice@example.com", Date: "2019-03-01T10:00:00Z",
			Value: json.RawMessage(`{"+":["gnome"]}`)},
	}
	doc := &types.Document{
		Projects: []*types.ProjectRecord{projectRec("gnome", "GNOME")},
		Tasks:    []*types.TaskRecord{task},
	}

	res1, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.XactsSkipped)

	got, err := st.FindTaskByPHID(context.Background(), phid.ForTask("3"))
	require.NoError(t, err)
	assert.Empty(t, got.ProjectPHIDs, "project edges are dropped on first import")

	_, err = runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	got, err = st.FindTaskByPHID(context.Background(), phid.ForTask("3"))
	require.NoError(t, err)
	assert.Equal(t, []string{phid.ForProject("gnome")}, got.ProjectPHIDs)
}

func TestUnknownProjectReferenceFatal(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	dir := t.TempDir()

	task := taskRec("4", "Mislabeled crash")
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)

	task.Transactions = []*types.TransactionRecord{
		{Type: types.XProjects, Actor: "alice@example.com", Date: "2019-03-02T10:00:00Z",
			Value: json.RawMessage(`{"+":["no-such-project"]}`)},
	}
	_, err = runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, importer.ErrUnknownProject)
}

func TestOwnerChangeSkippedOnExistingTask(t *testing.T) {
	st := memory.New()
	alice := seedAlice(st)
	st.AddUser("bob", "bob@example.com")
	dir := t.TempDir()

	task := taskRec("7", "Contested crash")
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)

	task.Transactions = []*types.TransactionRecord{
		{Type: types.XOwner, Actor: "alice@example.com", Date: "2019-04-01T10:00:00Z", Value: json.RawMessage(`"bob@example.com"`)},
	}
	res, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.XactsSkipped)

	got, err := st.FindTaskByPHID(context.Background(), phid.ForTask("7"))
	require.NoError(t, err)
	assert.Equal(t, alice.PHID, got.OwnerPHID, "existing owner must not be clobbered")
}

func TestOwnerChangeResolvesActorEvenWhenSkipped(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	dir := t.TempDir()

	task := taskRec("8", "Orphaned crash")
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)

	// The new owner resolves before the skip decision, so a dangling
	// address is fatal even on an entry that would be skipped.
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XOwner, Actor: "alice@example.com", Date: "2019-04-02T10:00:00Z", Value: json.RawMessage(`"ghost@example.com"`)},
	}
	_, err = runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscriberReplaceResolvesFromRemoveList(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	bob := st.AddUser("bob", "bob@example.com")

	task := taskRec("9", "Watched crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XSubscribers, Actor: "alice@example.com", Date: "2019-05-01T10:00:00Z",
			Value: json.RawMessage(`{"-":["bob@example.com"],"=":["alice@example.com"]}`)},
	}
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.NoError(t, err)

	// The "=" branch resolves its members from the "-" list, so bob ends up
	// as the subscriber even though "=" named alice.
	got, err := st.FindTaskByPHID(context.Background(), phid.ForTask("9"))
	require.NoError(t, err)
	assert.Equal(t, []string{bob.PHID}, got.SubscriberPHIDs)
}

func TestAttachmentBecomesUploadComment(t *testing.T) {
	st := memory.New()
	seedAlice(st)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core.dump"), []byte{0x7f, 0x45, 0x4c, 0x46}, 0o644))

	task := taskRec("11", "Dumped crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XAttachment, Actor: "alice@example.com", Date: "2019-06-01T10:00:00Z",
			Value:   json.RawMessage(`{"author":"alice@example.com","name":"core.dump","data":"core.dump","mimetype":"application/octet-stream"}`),
			Comment: "dump from the buildbot"},
	}
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	res, err := runDoc(t, st, dir, importer.PolicyGlobal, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIngested)
	assert.Equal(t, 1, st.FileCount())

	comments := st.TaskComments(phid.ForTask("11"))
	require.Len(t, comments, 1)
	assert.Equal(t, "Uploaded {F1}\n\ndump from the buildbot", comments[0])
}

func TestRollbackPolicyPersistsNothing(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	doc := &types.Document{
		Projects: []*types.ProjectRecord{projectRec("gnome", "GNOME")},
		Tasks:    []*types.TaskRecord{taskRec("12", "Phantom crash")},
	}
	res, err := runDoc(t, st, t.TempDir(), importer.PolicyRollback, doc)
	require.NoError(t, err)

	// The run itself does the full work...
	assert.Equal(t, 1, res.ProjectsCreated)
	assert.Equal(t, 1, res.TasksCreated)
	// ...but nothing survives it.
	assert.Equal(t, 0, st.ProjectCount())
	assert.Equal(t, 0, st.TaskCount())
}

func TestGlobalPolicyRollsBackOnContainmentViolation(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	task := taskRec("13", "Sneaky crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XAttachment, Actor: "alice@example.com", Date: "2019-07-01T10:00:00Z",
			Value: json.RawMessage(`{"author":"alice@example.com","name":"passwd","data":"../../../etc/passwd","mimetype":"text/plain"}`)},
	}
	doc := &types.Document{
		Projects: []*types.ProjectRecord{projectRec("gnome", "GNOME")},
		Tasks:    []*types.TaskRecord{task},
	}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, importer.ErrContainment)

	assert.Equal(t, 0, st.ProjectCount())
	assert.Equal(t, 0, st.TaskCount())
	assert.Equal(t, 0, st.FileCount())
}

func TestItemPolicyKeepsEarlierEntities(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	broken := taskRec("15", "Unattributed crash")
	broken.Creator = "ghost@example.com"
	doc := &types.Document{Tasks: []*types.TaskRecord{
		taskRec("14", "Good crash"),
		broken,
	}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyItem, doc)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Task 14 imported before the failure and stays committed.
	assert.Equal(t, 1, st.TaskCount())
	_, err = st.FindTaskByPHID(context.Background(), phid.ForTask("14"))
	assert.NoError(t, err)
}

func TestUnknownTransactionTypeFatal(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	task := taskRec("16", "Mistyped crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: "title", Actor: "alice@example.com", Date: "2019-08-01T10:00:00Z", Value: json.RawMessage(`"new title"`)},
	}
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, importer.ErrUnknownTransactionType)
	assert.Equal(t, 0, st.TaskCount())
}

func TestInvalidStatusFatal(t *testing.T) {
	st := memory.New()
	seedAlice(st)

	task := taskRec("17", "Oddly closed crash")
	task.Transactions = []*types.TransactionRecord{
		{Type: types.XStatus, Actor: "alice@example.com", Date: "2019-08-02T10:00:00Z", Value: json.RawMessage(`"fixed"`)},
	}
	doc := &types.Document{Tasks: []*types.TaskRecord{task}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, importer.ErrInvalidStatus)
}

func TestProjectCreationNeedsCapability(t *testing.T) {
	st := memory.New()
	alice := seedAlice(st)
	st.DenyCapability(alice.PHID, store.CapCreateProjects)

	doc := &types.Document{Projects: []*types.ProjectRecord{projectRec("gnome", "GNOME")}}
	_, err := runDoc(t, st, t.TempDir(), importer.PolicyGlobal, doc)
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.Equal(t, 0, st.ProjectCount())
}

func TestParseCommitPolicy(t *testing.T) {
	for _, s := range []string{"global", "item", "rollback"} {
		got, err := importer.ParseCommitPolicy(s)
		require.NoError(t, err)
		assert.Equal(t, importer.CommitPolicy(s), got)
	}
	_, err := importer.ParseCommitPolicy("batch")
	assert.ErrorContains(t, err, "unknown transaction level")
}

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"projects": [{"id": "gnome", "name": "GNOME", "creator": "a@b.c", "creationDate": "2019-01-01"}],
		"tasks": [{"id": "1", "title": "crash", "creator": "a@b.c", "creationDate": "2019-01-01"}]
	}`), 0o644))

	doc, baseDir, err := importer.LoadDocument(path)
	require.NoError(t, err)
	assert.Len(t, doc.Projects, 1)
	assert.Len(t, doc.Tasks, 1)
	resolved, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, baseDir)
}

func TestLoadDocumentRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	malformed := filepath.Join(dir, "malformed.json")
	require.NoError(t, os.WriteFile(malformed, []byte(`{"tasks": [`), 0o644))
	_, _, err := importer.LoadDocument(malformed)
	assert.ErrorContains(t, err, "decoding json")

	dup := filepath.Join(dir, "dup.json")
	require.NoError(t, os.WriteFile(dup, []byte(`{
		"tasks": [
			{"id": "1", "title": "a", "creator": "a@b.c", "creationDate": "2019-01-01"},
			{"id": "1", "title": "b", "creator": "a@b.c", "creationDate": "2019-01-02"}
		]
	}`), 0o644))
	_, _, err = importer.LoadDocument(dup)
	assert.ErrorContains(t, err, "duplicate id")

	_, _, err = importer.LoadDocument(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
