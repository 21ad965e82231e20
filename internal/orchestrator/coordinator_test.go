package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/bus"
	"github.com/lunaris-ai/chat-orchestrator/internal/catalog"
	"github.com/lunaris-ai/chat-orchestrator/internal/identity"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/lunaris-ai/chat-orchestrator/internal/metrics"
	"github.com/lunaris-ai/chat-orchestrator/internal/models"
	"github.com/lunaris-ai/chat-orchestrator/internal/push"
	"github.com/lunaris-ai/chat-orchestrator/internal/transcript"
	"github.com/lunaris-ai/chat-orchestrator/internal/upstream"
)

func testTimers() Timers {
	return Timers{
		IdleBeforeFirstComplete: 30 * time.Millisecond,
		IdleBeforeFirst:         100 * time.Millisecond,
		NoActivity:              500 * time.Millisecond,
		QuiescenceComplete:      150 * time.Millisecond,
		Quiescence:              500 * time.Millisecond,
		Global:                  6 * time.Second,
		ErrorDrain:              200 * time.Millisecond,
	}
}

// newTestCoordinator wires a coordinator with no Bus connection; paths
// that need a live consumer exercise the unavailable branch.
func newTestCoordinator(upstreamURL string, stopTimeout time.Duration) (*Coordinator, *push.Hub, *transcript.Store, *catalog.Catalog, *identity.Registry) {
	log := logger.New(logger.Config{Format: "text"})

	hub := push.NewHub(log)
	store := transcript.NewStore(log)
	cat := catalog.New(10, log)
	reg := identity.NewRegistry(log)
	cat.SetEvictHook(store.DropSession)

	client := upstream.NewClient(upstreamURL, upstream.Timeouts{
		Metadata: time.Second,
		History:  time.Second,
		Chat:     time.Second,
		Stop:     stopTimeout,
	}, log)

	co := NewCoordinator(
		testTimers(), 15, client,
		bus.NewConsumerManager(nil, log),
		hub, store, cat, reg,
		models.NewRegistry(), metrics.New(), log,
	)
	return co, hub, store, cat, reg
}

func collectUntilComplete(t *testing.T, events <-chan push.Event, timeout time.Duration) []push.Event {
	t.Helper()
	var got []push.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Type == push.EventComplete {
				return got
			}
		case <-deadline:
			t.Fatalf("no complete event within %v; got %d events", timeout, len(got))
		}
	}
}

func TestIdleGateSelection(t *testing.T) {
	co, _, _, _, _ := newTestCoordinator("http://127.0.0.1:1", time.Second)
	tm := testTimers()

	cases := []struct {
		name                                      string
		firstSeen, upstreamReturned, upstreamDone bool
		want                                      time.Duration
	}{
		{"nothing arrived, upstream pending", false, false, false, tm.NoActivity},
		{"upstream replied, no verdict, no tokens", false, true, false, tm.IdleBeforeFirst},
		{"upstream complete, no tokens", false, true, true, tm.IdleBeforeFirstComplete},
		{"tokens flowing, no verdict", true, true, false, tm.Quiescence},
		{"tokens flowing, upstream complete", true, true, true, tm.QuiescenceComplete},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := co.idleGate(tc.firstSeen, tc.upstreamReturned, tc.upstreamDone); got != tc.want {
				t.Errorf("expected gate %v, got %v", tc.want, got)
			}
		})
	}
}

func TestStartStreamAdmission(t *testing.T) {
	co, _, _, cat, reg := newTestCoordinator("http://127.0.0.1:1", time.Second)

	req := StreamRequest{Prompt: "hi", UserID: "u1", SessionID: "19", ChatID: "1"}
	if err := co.StartStream(req); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	reg.Login(identity.User{ID: "u1"})
	for i := 1; i <= 15; i++ {
		cat.Upsert("u1", "19", strconv.Itoa(i), "")
	}
	if err := co.StartStream(req); err != ErrLimitReached {
		t.Fatalf("expected ErrLimitReached at 15 chats, got %v", err)
	}
}

func TestBusUnavailableEmitsErrorThenComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	co, hub, _, _, reg := newTestCoordinator(srv.URL, time.Second)
	reg.Login(identity.User{ID: "u1"})

	fp := push.Fingerprint("u1", "19", "1", "")
	events, detach := hub.Listen(fp)
	defer detach()

	if err := co.StartStream(StreamRequest{Prompt: "hi", UserID: "u1", SessionID: "19", ChatID: "1"}); err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	got := collectUntilComplete(t, events, 2*time.Second)

	if got[0].Type != push.EventHistoryStart || got[1].Type != push.EventHistoryEnd {
		t.Errorf("replay bracket must come first, got %s %s", got[0].Type, got[1].Type)
	}

	var sawError bool
	for _, ev := range got {
		if ev.Type == push.EventError {
			sawError = true
			if ev.ErrorCode != "UNAVAILABLE" {
				t.Errorf("expected UNAVAILABLE, got %s", ev.ErrorCode)
			}
		}
	}
	if !sawError {
		t.Error("expected an error event before complete")
	}

	last := got[len(got)-1]
	if last.CompletionType != push.CompletionUpstreamFail {
		t.Errorf("expected completion type %s, got %s", push.CompletionUpstreamFail, last.CompletionType)
	}
}

func TestStopScrubsAndEmitsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"stopped"}`))
	}))
	defer srv.Close()

	co, hub, store, _, _ := newTestCoordinator(srv.URL, time.Second)

	store.AppendUser("u1", "19", "2", "stopped prompt", "")
	store.AppendAssistantToken("u1", "19", "2", "partial")

	fp := push.Fingerprint("u1", "19", "2", "")
	events, detach := hub.Listen(fp)
	defer detach()

	outcome := co.Stop(StopRequest{UserID: "u1", SessionID: "19", ChatID: "2"})

	if !outcome.CleanupCompleted {
		t.Fatal("local cleanup must always complete")
	}
	if outcome.MessagesScrubbed != 2 {
		t.Errorf("expected 2 messages scrubbed, got %d", outcome.MessagesScrubbed)
	}
	for _, m := range store.History("u1", "19") {
		if !m.IsComplete {
			t.Errorf("incomplete message survived the stop: %+v", m)
		}
	}

	got := collectUntilComplete(t, events, 2*time.Second)
	if got[0].Type != push.EventCleanupGeneration {
		t.Errorf("expected cleanup-generation first, got %s", got[0].Type)
	}
	if got[0].UserID != "u1" || got[0].CleanupSessionID != "19" || got[0].CleanupChatID != "2" {
		t.Errorf("cleanup hint identifiers wrong: %+v", got[0])
	}
	if got[0].SessionID != "" || got[0].ChatID != "" {
		t.Errorf("cleanup hint must not duplicate envelope identifiers: %+v", got[0])
	}
	last := got[len(got)-1]
	if last.CompletionType != push.CompletionUserStopped {
		t.Errorf("expected %s, got %s", push.CompletionUserStopped, last.CompletionType)
	}
}

func TestStopSurvivesUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	co, hub, store, _, _ := newTestCoordinator(srv.URL, 100*time.Millisecond)

	store.AppendUser("u1", "19", "3", "prompt", "")

	fp := push.Fingerprint("u1", "19", "3", "")
	events, detach := hub.Listen(fp)
	defer detach()

	start := time.Now()
	outcome := co.Stop(StopRequest{UserID: "u1", SessionID: "19", ChatID: "3"})

	if !outcome.CleanupCompleted {
		t.Fatal("cleanup must complete despite the upstream timeout")
	}
	if time.Since(start) > 50*time.Millisecond+80*time.Millisecond {
		t.Error("stop must not block on the upstream forward")
	}
	if store.HasTranscript("u1", "19") {
		t.Error("incomplete messages must be scrubbed immediately")
	}

	got := collectUntilComplete(t, events, 2*time.Second)
	last := got[len(got)-1]
	if last.CompletionType != push.CompletionTimeoutStop {
		t.Errorf("expected %s, got %s", push.CompletionTimeoutStop, last.CompletionType)
	}
}

func TestRepeatedStopEmitsSingleComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"stopped"}`))
	}))
	defer srv.Close()

	co, hub, _, _, _ := newTestCoordinator(srv.URL, time.Second)

	fp := push.Fingerprint("u1", "19", "7", "")
	events, detach := hub.Listen(fp)
	defer detach()

	co.Stop(StopRequest{UserID: "u1", SessionID: "19", ChatID: "7"})
	co.Stop(StopRequest{UserID: "u1", SessionID: "19", ChatID: "7"})

	completes := 0
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == push.EventComplete {
				completes++
			}
		case <-deadline:
			done = true
		}
	}
	if completes != 1 {
		t.Errorf("expected exactly one complete event for the chat, got %d", completes)
	}
}

func TestStopAfterCompletionEmitsNoSecondComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	co, hub, _, _, reg := newTestCoordinator(srv.URL, time.Second)
	reg.Login(identity.User{ID: "u1"})

	fp := push.Fingerprint("u1", "19", "1", "")
	events, detach := hub.Listen(fp)
	defer detach()

	if err := co.StartStream(StreamRequest{Prompt: "hi", UserID: "u1", SessionID: "19", ChatID: "1"}); err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	collectUntilComplete(t, events, 2*time.Second)

	co.Stop(StopRequest{UserID: "u1", SessionID: "19", ChatID: "1"})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == push.EventComplete {
				t.Fatalf("stop after completion re-emitted the terminal event: %+v", ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestStopAllCancelsActiveHandles(t *testing.T) {
	co, _, _, _, _ := newTestCoordinator("http://127.0.0.1:1", time.Second)

	cancelled := false
	h := &streamHandle{cancel: func() { cancelled = true }}
	co.mu.Lock()
	co.active[streamKey("u1", "19", "5")] = h
	co.mu.Unlock()

	co.StopAll()

	if !cancelled {
		t.Error("active handle must be cancelled on logout flush")
	}
	if len(co.ActiveStreams()) != 0 {
		t.Errorf("active table must be empty, got %v", co.ActiveStreams())
	}
	// The handle is claimed so a racing loop cannot publish a terminal
	// event into the flushed state.
	if h.completeOnce() {
		t.Error("flushed handle must already be claimed")
	}
}

func TestErrorDrainSuppressesIdleGate(t *testing.T) {
	co, _, _, _, _ := newTestCoordinator("http://127.0.0.1:1", time.Second)

	stale := time.Now().Add(-time.Hour)
	if timer := co.armIdle(true, false, true, false, stale); timer != nil {
		timer.Stop()
		t.Error("idle gate must not arm while the error drain window is open")
	}
	if timer := co.armIdle(false, false, true, false, stale); timer == nil {
		t.Error("idle gate must arm outside the drain window")
	} else {
		timer.Stop()
	}
}

func TestMergeViewUpstreamPrecedence(t *testing.T) {
	co, _, _, cat, _ := newTestCoordinator("http://127.0.0.1:1", time.Second)

	cat.Upsert("u1", "15", "1", "")
	cat.Upsert("u1", "14", "1", "")
	cat.SetTitle("u1", "14", "Bug triage", catalog.SourceUpstream)

	merged := co.mergeView("u1", []bus.SessionEntry{
		{ID: "15", Title: "Debugging crash"},
		{ID: "14", Title: "Bug triage"},
		{ID: "13", Title: "Schema design"},
	})

	if len(merged) != 3 {
		t.Fatalf("expected 3 merged sessions, got %d", len(merged))
	}
	for i, want := range []string{"15", "14", "13"} {
		if merged[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, merged[i].ID)
		}
	}
	if merged[0].Title != "Debugging crash" {
		t.Errorf("upstream title must win, got %q", merged[0].Title)
	}
	if merged[0].Source != catalog.SourceLocalUpdatedFromUpstream {
		t.Errorf("expected %s, got %s", catalog.SourceLocalUpdatedFromUpstream, merged[0].Source)
	}
	if merged[2].Source != catalog.SourceUpstream {
		t.Errorf("expected %s, got %s", catalog.SourceUpstream, merged[2].Source)
	}

	// The view is computed without mutating the catalog.
	if _, ok := cat.Get("u1", "13"); ok {
		t.Error("mergeView must not insert into the catalog")
	}
}

func TestTakeHandleResolvesSessionWideStops(t *testing.T) {
	co, _, _, _, _ := newTestCoordinator("http://127.0.0.1:1", time.Second)

	h := &streamHandle{cancel: func() {}}
	co.mu.Lock()
	co.active[streamKey("u1", "19", "4")] = h
	co.mu.Unlock()

	got, chatID := co.takeHandle("u1", "19", "")
	if got != h || chatID != "4" {
		t.Fatalf("expected handle for chat 4, got %v / %q", got, chatID)
	}
	if again, _ := co.takeHandle("u1", "19", "4"); again != nil {
		t.Error("handle must be taken at most once")
	}
}
