package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/store/storetest"
)

// fakeAssistant writes fixed-size chapters and condenses to the exact target.
type fakeAssistant struct {
	mu           sync.Mutex
	words        int
	writeErr     error
	condenseErr  error
	briefs       []llm.ChapterBrief
	analyzed     int
	stateUpdates int
}

func (f *fakeAssistant) WriteChapter(_ context.Context, b llm.ChapterBrief) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.briefs = append(f.briefs, b)
	if f.writeErr != nil {
		return "", f.writeErr
	}
	return storetest.Words(f.words), nil
}

func (f *fakeAssistant) Summarize(_ context.Context, n int, _ string) (string, error) {
	return fmt.Sprintf("summary of chapter %d", n), nil
}

func (f *fakeAssistant) UpdateStoryState(_ context.Context, _ json.RawMessage, n int, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateUpdates++
	return json.RawMessage(fmt.Sprintf(`{"characters":[],"open_threads":[],"timeline":"through chapter %d"}`, n)), nil
}

func (f *fakeAssistant) AnalyzeChapter(context.Context, int, string) (llm.QualitySignals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed++
	return llm.QualitySignals{SceneConfidence: 0.5, PacingIssues: []string{llm.PacingTooSlow}}, nil
}

func (f *fakeAssistant) Condense(_ context.Context, req llm.CondenseRequest) (*llm.CondenseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.condenseErr != nil {
		return nil, f.condenseErr
	}
	return &llm.CondenseResult{
		CondensedContent:  storetest.Words(req.TargetWordCount),
		CutRationale:      []string{"tightened"},
		PreservedElements: []string{"ending"},
	}, nil
}

func newTestService(t *testing.T, a Assistant) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := New(db, a, Config{
		Worker: jobq.WorkerOptions{Name: "test", BackoffBase: time.Hour},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func createBook(t *testing.T, s *Service, chapters int) *BookView {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "Saga")
	if err != nil {
		t.Fatal(err)
	}
	in := BookInput{ProjectID: p.ID, Title: "The Long Road", Plot: "Someone walks far."}
	for i := range chapters {
		in.Outline = append(in.Outline, OutlineEntry{Title: fmt.Sprintf("Leg %d", i+1), Summary: "walking"})
	}
	view, err := s.CreateBook(ctx, in)
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	return view
}

func generateAll(t *testing.T, s *Service, bookID string) int {
	t.Helper()
	ctx := context.Background()
	if _, err := s.QueueBookGeneration(ctx, bookID); err != nil {
		t.Fatal(err)
	}
	n, err := s.ProcessPending(ctx, 0)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	return n
}

func TestCreateBook(t *testing.T) {
	// WHAT: a new book gets an active auto-created version with one pending
	// chapter per outline entry.
	// WHY: every later operation addresses chapters through the active version.
	s := newTestService(t, nil)
	view := createBook(t, s, 3)

	if view.ActiveVersion == nil || !view.ActiveVersion.AutoCreated || view.ActiveVersion.VersionNumber != 1 {
		t.Fatalf("active version = %+v", view.ActiveVersion)
	}
	if view.ActiveVersion.ChapterCount != 3 {
		t.Errorf("chapter_count = %d, want 3", view.ActiveVersion.ChapterCount)
	}
	if len(view.Chapters) != 3 {
		t.Fatalf("chapters = %d", len(view.Chapters))
	}
	for i, c := range view.Chapters {
		if c.ChapterNumber != i+1 || c.Status != store.ChapterPending || c.VersionID != view.ActiveVersion.ID {
			t.Errorf("chapter %d = %+v", i, c)
		}
	}
}

func TestCreateBook_Validation(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "P")

	_, err := s.CreateBook(ctx, BookInput{ProjectID: p.ID})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty title: got %v", err)
	}
	_, err = s.CreateBook(ctx, BookInput{ProjectID: p.ID, Title: "T",
		Outline: Outline{{Number: 2, Title: "a"}, {Number: 2, Title: "b"}}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("duplicate numbers: got %v", err)
	}
	_, err = s.CreateBook(ctx, BookInput{ProjectID: "nope", Title: "T"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown project: got %v", err)
	}
}

func TestGenerateBook_EndToEnd(t *testing.T) {
	// WHAT: queueing a book writes every chapter in order, completes the book
	// once and runs its analysis.
	// WHY: this is the whole write path; chapter N must see chapter N-1's summary.
	a := &fakeAssistant{words: 100}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 3)
	bookID := view.Book.ID

	n := generateAll(t, s, bookID)
	if n != 10 {
		t.Errorf("jobs processed = %d, want 9 chapter jobs + 1 analysis", n)
	}

	got, err := s.GetBook(ctx, bookID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got.Chapters {
		if c.Status != store.ChapterCompleted || c.WordCount != 100 {
			t.Errorf("chapter %d: status=%s words=%d", c.ChapterNumber, c.Status, c.WordCount)
		}
		if c.Content != "" {
			t.Errorf("book view should not carry chapter content")
		}
	}
	if got.ActiveVersion.WordCount != 300 {
		t.Errorf("version word_count = %d, want 300", got.ActiveVersion.WordCount)
	}
	if !got.Book.IsComplete {
		t.Error("book should be complete")
	}
	if got.Completion == nil || got.Completion.AnalyticsStatus != store.AnalyticsCompleted {
		t.Fatalf("completion = %+v", got.Completion)
	}
	if a.analyzed != 3 {
		t.Errorf("chapters analyzed = %d, want 3", a.analyzed)
	}
	q, err := s.store.GetQuality(ctx, got.Chapters[1].ID)
	if err != nil {
		t.Fatalf("quality: %v", err)
	}
	if len(q.PacingIssues) != 1 || q.PacingIssues[0] != llm.PacingTooSlow {
		t.Errorf("pacing issues = %v", q.PacingIssues)
	}

	if len(a.briefs) != 3 {
		t.Fatalf("briefs = %d", len(a.briefs))
	}
	if a.briefs[0].PreviousSummary != "" {
		t.Errorf("chapter 1 previous summary = %q", a.briefs[0].PreviousSummary)
	}
	if a.briefs[1].PreviousSummary != "summary of chapter 1" {
		t.Errorf("chapter 2 previous summary = %q", a.briefs[1].PreviousSummary)
	}
	if len(a.briefs[2].StoryState) == 0 {
		t.Error("chapter 3 should see the story state")
	}
	if a.stateUpdates != 3 {
		t.Errorf("story state updates = %d", a.stateUpdates)
	}

	b, _ := s.store.GetBook(ctx, bookID)
	if string(b.StoryState) == "{}" {
		t.Error("story state was not written")
	}
}

func TestGenerate_RateLimitPausesWithoutCharging(t *testing.T) {
	// WHAT: a provider rate limit sends the job back to pending with its
	// attempt count unchanged and closes the gate.
	// WHY: quota exhaustion is not a failure of the chapter.
	a := &fakeAssistant{words: 100, writeErr: &llm.RateLimitError{
		Message: "quota", RetryAfter: time.Hour, StatusCode: 429, At: time.Now(),
	}}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 1)
	ch := view.Chapters[0]

	n := generateAll(t, s, view.Book.ID)
	if n != 1 {
		t.Errorf("processed = %d, want 1 before the gate closed", n)
	}
	if !s.Gate().IsLimited() {
		t.Fatal("gate should be closed")
	}
	jobs, _ := s.Jobs(ctx, ch.ID)
	if jobs[0].Status != jobq.StatusPending || jobs[0].Attempts != 0 {
		t.Errorf("job = %s attempts=%d", jobs[0].Status, jobs[0].Attempts)
	}
	c, _ := s.GetChapter(ctx, ch.ID)
	if c.Status != store.ChapterPending {
		t.Errorf("chapter status = %s", c.Status)
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Gate.Limited || st.Queue.Pending != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestGenerate_MalformedFailsChain(t *testing.T) {
	// WHAT: a malformed reply fails the chapter job at once, marks the chapter
	// failed and cascades to the rest of its chain.
	// WHY: retrying the same prompt after a structural failure wastes quota.
	a := &fakeAssistant{writeErr: fmt.Errorf("%w: empty", llm.ErrMalformedResponse)}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 1)
	ch := view.Chapters[0]

	generateAll(t, s, view.Book.ID)

	jobs, _ := s.Jobs(ctx, ch.ID)
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != jobq.StatusFailed {
			t.Errorf("%s = %s", j.Type, j.Status)
		}
	}
	if jobs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", jobs[0].Attempts)
	}
	c, _ := s.GetChapter(ctx, ch.ID)
	if c.Status != store.ChapterFailed {
		t.Errorf("chapter status = %s, want failed", c.Status)
	}
	events, _ := s.RecentEvents(ctx, jobs[0].ID, 10)
	if len(events) == 0 || events[0].EventType != "job.failed" {
		t.Errorf("events = %+v", events)
	}
}

func TestGenerate_TransientRetries(t *testing.T) {
	// WHAT: a plain error puts the job back with backoff and leaves the chapter
	// pending.
	s := newTestService(t, &fakeAssistant{writeErr: errors.New("connection reset")})
	ctx := context.Background()
	view := createBook(t, s, 1)

	generateAll(t, s, view.Book.ID)

	jobs, _ := s.Jobs(ctx, view.Chapters[0].ID)
	j := jobs[0]
	if j.Status != jobq.StatusPending || j.Attempts != 1 || !j.RunAfter.After(time.Now()) {
		t.Errorf("job = %s attempts=%d run_after=%v", j.Status, j.Attempts, j.RunAfter)
	}
	c, _ := s.GetChapter(ctx, view.Chapters[0].ID)
	if c.Status != store.ChapterPending {
		t.Errorf("chapter status = %s", c.Status)
	}
}

func TestRegenerate_KeepsHistoryAndSkipsCompletion(t *testing.T) {
	a := &fakeAssistant{words: 50}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 2)
	generateAll(t, s, view.Book.ID)
	ch := view.Chapters[0]

	if _, err := s.RegenerateChapter(ctx, ch.ID, "darker"); err != nil {
		t.Fatal(err)
	}
	a.words = 80
	n, err := s.ProcessPending(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("processed = %d, want the 3 chain jobs and no new analysis", n)
	}
	c, _ := s.GetChapter(ctx, ch.ID)
	if c.WordCount != 80 {
		t.Errorf("word count = %d", c.WordCount)
	}
	hist, err := s.ChapterHistory(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].EditType != store.EditRegenerate || hist[0].Notes != "darker" {
		t.Errorf("history = %+v", hist)
	}
}

func TestRevision_ThroughQueue(t *testing.T) {
	// WHAT: proposals are condensed by queued jobs, approved into one new
	// version, and the session validates within tolerance.
	// WHY: exercises the condense handler together with the revision service.
	a := &fakeAssistant{words: 500}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 2)
	generateAll(t, s, view.Book.ID)

	sess, err := s.StartRevision(ctx, view.Book.ID, 800, 10)
	if err != nil {
		t.Fatal(err)
	}
	if sess.WordsToCut != 200 || sess.ChaptersTotal != 2 {
		t.Fatalf("session = %+v", sess)
	}
	queued, err := s.QueueProposals(ctx, sess.ID)
	if err != nil || queued != 2 {
		t.Fatalf("queued = %d, %v", queued, err)
	}
	if _, err := s.ProcessPending(ctx, 0); err != nil {
		t.Fatal(err)
	}

	props, _ := s.ListProposals(ctx, sess.ID)
	for _, p := range props {
		if p.Status != store.ProposalReady {
			t.Fatalf("proposal %d = %s (%s)", p.ChapterNumber, p.Status, p.ErrorMessage)
		}
		if _, err := s.ApproveProposal(ctx, p.ID, ""); err != nil {
			t.Fatal(err)
		}
	}

	v, err := s.ValidateCompletion(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.AllReviewed || !v.Progress.IsWithinTolerance {
		t.Errorf("validation = %+v", v)
	}
	versions, _ := s.ListVersions(ctx, view.Book.ID)
	if len(versions) != 2 {
		t.Errorf("versions = %d, want original + revision", len(versions))
	}
	done, err := s.GetSession(ctx, sess.ID)
	if err != nil || done.Status != store.SessionCompleted {
		t.Fatalf("session after last approval = %+v, %v", done, err)
	}
}

func TestRevision_MalformedCondenseIsPermanent(t *testing.T) {
	a := &fakeAssistant{words: 500}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 1)
	generateAll(t, s, view.Book.ID)

	sess, err := s.StartRevision(ctx, view.Book.ID, 400, 5)
	if err != nil {
		t.Fatal(err)
	}
	a.condenseErr = fmt.Errorf("%w: no json", llm.ErrMalformedResponse)
	if _, err := s.QueueProposals(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessPending(ctx, 0); err != nil {
		t.Fatal(err)
	}

	props, _ := s.ListProposals(ctx, sess.ID)
	if props[0].Status != store.ProposalError || props[0].ErrorMessage == "" {
		t.Errorf("proposal = %s %q", props[0].Status, props[0].ErrorMessage)
	}
	jobs, _ := s.Jobs(ctx, props[0].ID)
	if len(jobs) != 1 || jobs[0].Status != jobq.StatusFailed || jobs[0].Attempts != 1 {
		t.Errorf("condense job = %+v", jobs[0])
	}

	// The user retries once the provider behaves.
	a.condenseErr = nil
	if n, _ := s.QueueProposals(ctx, sess.ID); n != 1 {
		t.Fatalf("requeued = %d", n)
	}
	s.ProcessPending(ctx, 0)
	p, _ := s.store.GetProposal(ctx, props[0].ID)
	if p.Status != store.ProposalReady {
		t.Errorf("after retry proposal = %s", p.Status)
	}
}

func TestReanalyse(t *testing.T) {
	a := &fakeAssistant{words: 10}
	s := newTestService(t, a)
	ctx := context.Background()
	view := createBook(t, s, 1)
	generateAll(t, s, view.Book.ID)

	jobID, err := s.Reanalyse(ctx, view.Book.ID)
	if err != nil || jobID == "" {
		t.Fatalf("reanalyse = %q, %v", jobID, err)
	}
	if _, err := s.Reanalyse(ctx, view.Book.ID); !errors.Is(err, ErrAnalysisActive) {
		t.Errorf("second reanalyse: got %v", err)
	}
	s.ProcessPending(ctx, 0)
	if a.analyzed != 2 {
		t.Errorf("analyzed = %d, want 2", a.analyzed)
	}
}

func TestRun_RequiresAssistant(t *testing.T) {
	s := newTestService(t, nil)
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoAssistant) {
		t.Errorf("Run without assistant: got %v", err)
	}
	if _, err := s.ProcessPending(context.Background(), 0); !errors.Is(err, ErrNoAssistant) {
		t.Errorf("ProcessPending without assistant: got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := &fakeAssistant{words: 20}
	s := newTestService(t, a)
	view := createBook(t, s, 1)
	if _, err := s.QueueBookGeneration(context.Background(), view.Book.ID); err != nil {
		t.Fatal(err)
	}
	s.worker = jobq.NewWorker(s.queue, s.gate, jobq.WorkerOptions{Name: "test", PollInterval: 5 * time.Millisecond})
	s.registerHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		c, err := s.GetBook(context.Background(), view.Book.ID)
		if err == nil && c.Completion != nil && c.Completion.AnalyticsStatus == store.AnalyticsCompleted {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("book was not generated in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	st, _ := s.Status(context.Background())
	if st.Heartbeat == nil || st.Heartbeat.WorkerName != "test" {
		t.Errorf("heartbeat = %+v", st.Heartbeat)
	}
}
