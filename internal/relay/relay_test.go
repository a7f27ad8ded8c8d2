package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

// fakeStream feeds chunks from a channel the test controls.
type fakeStream struct {
	chunks     chan domain.GenerationChunk
	err        error
	summary    *domain.GenerationSummary
	summaryErr error
	onSummary  func()

	mu     sync.Mutex
	closes int
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{chunks: make(chan domain.GenerationChunk, buffer)}
}

func (f *fakeStream) Chunks() <-chan domain.GenerationChunk { return f.chunks }
func (f *fakeStream) Err() error                            { return f.err }

func (f *fakeStream) Summary() (*domain.GenerationSummary, error) {
	if f.onSummary != nil {
		f.onSummary()
	}
	return f.summary, f.summaryErr
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func intPtr(i int) *int { return &i }

func textChunk(text string) domain.GenerationChunk {
	return domain.GenerationChunk{
		Candidates: []domain.Candidate{{
			Content: &domain.Content{Role: "model", Parts: []domain.Part{{Text: text}}},
		}},
	}
}

func testSummary() *domain.GenerationSummary {
	return &domain.GenerationSummary{
		UsageMetadata:  &domain.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 6, TotalTokenCount: 10},
		UsageSemantics: domain.UsageCumulative,
		ModelVersion:   "gemini-2.5-flash",
		ResponseID:     "resp-1",
	}
}

func runCollect(t *testing.T, ctx context.Context, rl *Relay, s *fakeStream) (Result, []string) {
	t.Helper()
	out := make(chan []byte)
	done := make(chan Result, 1)
	go func() { done <- rl.Run(ctx, s, out) }()

	var frames []string
	for p := range out {
		frames = append(frames, string(p))
	}
	return <-done, frames
}

func TestRun_Success(t *testing.T) {
	s := newFakeStream(3)
	s.chunks <- textChunk("a")
	s.chunks <- textChunk("b")
	s.chunks <- textChunk("c")
	close(s.chunks)
	s.summary = testSummary()

	res, frames := runCollect(t, context.Background(), New(0), s)

	if res.Err != nil {
		t.Fatalf("Result.Err = %v", res.Err)
	}
	if len(frames) != 5 {
		t.Fatalf("frames = %d, want 5: %v", len(frames), frames)
	}
	for i, want := range []string{"a", "b", "c"} {
		if !strings.Contains(frames[i], `"text":"`+want+`"`) {
			t.Errorf("frame %d = %s, want text %q", i, frames[i], want)
		}
	}

	var final map[string]any
	if err := json.Unmarshal([]byte(frames[3]), &final); err != nil {
		t.Fatalf("final frame not JSON: %v", err)
	}
	if final["final"] != true || final["contentRepeated"] != false {
		t.Errorf("final frame = %s", frames[3])
	}
	if final["responseId"] != "resp-1" || final["modelVersion"] != "gemini-2.5-flash" {
		t.Errorf("final frame identifiers = %s", frames[3])
	}
	if _, ok := final["usageMetadata"]; !ok {
		t.Errorf("final frame missing usageMetadata: %s", frames[3])
	}

	if frames[4] != DonePayload {
		t.Errorf("last frame = %q, want %q", frames[4], DonePayload)
	}
	if res.Summary != s.summary {
		t.Error("Result.Summary should be the resolved summary")
	}
	if res.Frames != 5 {
		t.Errorf("Result.Frames = %d, want 5", res.Frames)
	}
}

func TestRun_FieldPresencePassthrough(t *testing.T) {
	s := newFakeStream(2)
	s.chunks <- textChunk("only content")
	s.chunks <- domain.GenerationChunk{
		Candidates:    []domain.Candidate{{FinishReason: "STOP", Index: intPtr(1)}},
		UsageMetadata: &domain.UsageMetadata{TotalTokenCount: 3},
		ModelVersion:  "m",
		ResponseID:    "r",
	}
	close(s.chunks)
	s.summary = testSummary()

	_, frames := runCollect(t, context.Background(), New(0), s)

	var first map[string]any
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatal(err)
	}
	for _, absent := range []string{"usageMetadata", "modelVersion", "responseId", "promptFeedback"} {
		if _, ok := first[absent]; ok {
			t.Errorf("frame 0 should omit %q: %s", absent, frames[0])
		}
	}
	cand := first["candidates"].([]any)[0].(map[string]any)
	if cand["index"] != float64(0) {
		t.Errorf("index = %v, want default 0", cand["index"])
	}
	if _, ok := cand["finishReason"]; ok {
		t.Errorf("finishReason should be omitted when absent: %s", frames[0])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(frames[1]), &second); err != nil {
		t.Fatal(err)
	}
	cand = second["candidates"].([]any)[0].(map[string]any)
	if cand["index"] != float64(1) || cand["finishReason"] != "STOP" {
		t.Errorf("candidate = %v", cand)
	}
	if _, ok := cand["content"]; ok {
		t.Errorf("content should be omitted when absent: %s", frames[1])
	}
	if second["modelVersion"] != "m" || second["responseId"] != "r" {
		t.Errorf("frame 1 = %s", frames[1])
	}
}

func TestFrameFromChunk_UpstreamFields(t *testing.T) {
	tests := []struct {
		name   string
		chunk  string
		want   map[string]string
		absent []string
	}{
		{
			name:  "unmodelled part and candidate fields",
			chunk: `{"candidates":[{"content":{"role":"model","parts":[{"text":"x","thoughtSignature":"SIG"},{"executableCode":{"language":"PYTHON","code":"print(1)"}}]},"citationMetadata":{"citations":[]}}]}`,
			want: map[string]string{
				"content":          `{"role":"model","parts":[{"text":"x","thoughtSignature":"SIG"},{"executableCode":{"language":"PYTHON","code":"print(1)"}}]}`,
				"citationMetadata": `{"citations":[]}`,
				"index":            `0`,
			},
			absent: []string{"finishReason"},
		},
		{
			name:  "finish reason only when sent",
			chunk: `{"candidates":[{"content":{"parts":[{"text":"y"}]},"index":2}]}`,
			want: map[string]string{
				"index": `2`,
			},
			absent: []string{"finishReason", "safetyRatings"},
		},
		{
			name:  "finish reason forwarded",
			chunk: `{"candidates":[{"finishReason":"MAX_TOKENS"}]}`,
			want: map[string]string{
				"finishReason": `"MAX_TOKENS"`,
				"index":        `0`,
			},
			absent: []string{"content"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chunk domain.GenerationChunk
			if err := json.Unmarshal([]byte(tt.chunk), &chunk); err != nil {
				t.Fatalf("unmarshal chunk: %v", err)
			}

			payload, err := json.Marshal(frameFromChunk(chunk))
			if err != nil {
				t.Fatalf("marshal frame: %v", err)
			}

			var frame struct {
				Candidates []map[string]json.RawMessage `json:"candidates"`
			}
			if err := json.Unmarshal(payload, &frame); err != nil {
				t.Fatalf("frame not JSON: %v", err)
			}
			cand := frame.Candidates[0]
			for key, want := range tt.want {
				if string(cand[key]) != want {
					t.Errorf("%s = %s, want %s", key, cand[key], want)
				}
			}
			for _, key := range tt.absent {
				if _, ok := cand[key]; ok {
					t.Errorf("%s should be absent: %s", key, payload)
				}
			}
		})
	}
}

func TestRun_MidStreamFailure(t *testing.T) {
	s := newFakeStream(2)
	s.chunks <- textChunk("one")
	s.chunks <- textChunk("two")
	close(s.chunks)
	s.err = errors.New("upstream reset")

	res, frames := runCollect(t, context.Background(), New(0), s)

	if len(frames) != 3 {
		t.Fatalf("frames = %v, want 2 content frames and 1 error frame", frames)
	}
	if frames[2] != `{"error":true,"message":"Generation failed"}` {
		t.Errorf("error frame = %s", frames[2])
	}
	if res.Summary != nil {
		t.Error("Result.Summary should be nil after a mid-stream failure")
	}
	if res.Err == nil {
		t.Error("Result.Err should carry the upstream error")
	}
	for _, f := range frames {
		if f == DonePayload {
			t.Error("failed stream must not end with the done marker")
		}
	}
}

func TestRun_SummaryFailure(t *testing.T) {
	s := newFakeStream(0)
	close(s.chunks)
	s.summaryErr = errors.New("no final result")

	res, frames := runCollect(t, context.Background(), New(0), s)

	if len(frames) != 1 || !strings.Contains(frames[0], `"error":true`) {
		t.Errorf("frames = %v, want a single error frame", frames)
	}
	if res.Err == nil || res.Summary != nil {
		t.Errorf("Result = %+v", res)
	}
}

func TestRun_ClosesOutputWhenErrorFrameUndeliverable(t *testing.T) {
	s := newFakeStream(0)
	close(s.chunks)
	s.err = errors.New("upstream reset")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan []byte)
	res := New(0).Run(ctx, s, out)

	if _, ok := <-out; ok {
		t.Error("out should be closed with no frames")
	}
	if res.Frames != 0 {
		t.Errorf("Result.Frames = %d, want 0", res.Frames)
	}
}

func TestRun_ClientCancellation(t *testing.T) {
	s := newFakeStream(1)
	s.chunks <- textChunk("first")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte)
	done := make(chan Result, 1)
	go func() { done <- New(0).Run(ctx, s, out) }()

	<-out
	cancel()

	select {
	case res := <-done:
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Result.Err = %v, want context.Canceled", res.Err)
		}
		if res.Summary != nil {
			t.Error("Result.Summary should be nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if _, ok := <-out; ok {
		t.Error("out should be closed")
	}
	if s.closeCount() == 0 {
		t.Error("stream should be closed on cancellation")
	}
}

func TestRun_KeepsSummaryWhenClientLeavesDuringSummaryFrame(t *testing.T) {
	s := newFakeStream(0)
	close(s.chunks)
	s.summary = testSummary()

	ctx, cancel := context.WithCancel(context.Background())
	s.onSummary = cancel

	// Nobody reads out, so the summary frame can only be abandoned.
	out := make(chan []byte)
	res := New(0).Run(ctx, s, out)

	if res.Summary != s.summary {
		t.Error("Result.Summary should survive a client that left after it was resolved")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Result.Err = %v, want context.Canceled", res.Err)
	}
	if res.Frames != 0 {
		t.Errorf("Result.Frames = %d, want 0", res.Frames)
	}
	if _, ok := <-out; ok {
		t.Error("out should be closed")
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	s := newFakeStream(1)
	s.chunks <- textChunk("first")

	res, frames := runCollect(t, context.Background(), New(20*time.Millisecond), s)

	if !errors.Is(res.Err, domain.ErrStreamIdle) {
		t.Errorf("Result.Err = %v, want ErrStreamIdle", res.Err)
	}
	if len(frames) != 2 || !strings.Contains(frames[1], `"error":true`) {
		t.Errorf("frames = %v, want content then error", frames)
	}
	if s.closeCount() == 0 {
		t.Error("stream should be closed after idle timeout")
	}
}

func TestWriteSSE(t *testing.T) {
	frames := make(chan []byte, 3)
	frames <- []byte(`{"a":1}`)
	frames <- []byte(`{"final":true}`)
	frames <- []byte(DonePayload)
	close(frames)

	rec := httptest.NewRecorder()
	if err := WriteSSE(rec, frames, func() {}); err != nil {
		t.Fatalf("WriteSSE() error = %v", err)
	}

	want := "data: {\"a\":1}\n\ndata: {\"final\":true}\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("recorder should have been flushed")
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestWriteSSE_CancelsOnWriteError(t *testing.T) {
	frames := make(chan []byte, 2)
	frames <- []byte("x")
	frames <- []byte("y")
	close(frames)

	cancelled := false
	w := &failingWriter{}
	err := WriteSSE(w, frames, func() { cancelled = true })

	if err == nil {
		t.Fatal("WriteSSE() should return the write error")
	}
	if !cancelled {
		t.Error("cancel should be called on write error")
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
}

func TestServe_EndsWithDone(t *testing.T) {
	s := newFakeStream(2)
	s.chunks <- textChunk("a")
	s.chunks <- textChunk("b")
	close(s.chunks)
	s.summary = testSummary()

	var buf bytes.Buffer
	res := New(time.Second).Serve(context.Background(), &buf, s)

	if res.Err != nil {
		t.Fatalf("Result.Err = %v", res.Err)
	}
	body := buf.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body should end with done marker: %q", body)
	}
	if n := strings.Count(body, `"final":true`); n != 1 {
		t.Errorf("summary frames = %d, want 1", n)
	}
}

func TestServe_ReportsWriteError(t *testing.T) {
	s := newFakeStream(1)
	s.chunks <- textChunk("a")
	close(s.chunks)
	s.summary = testSummary()

	w := &failingWriter{}
	res := New(0).Serve(context.Background(), w, s)

	if res.WriteErr == nil {
		t.Fatal("Result.WriteErr should carry the client write failure")
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
}
