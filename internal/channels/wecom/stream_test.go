package wecom

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStreamStoreLifecycle(t *testing.T) {
	s := NewStreamStore(time.Minute)
	id, _ := s.Create("m1", false)

	if got, ok := indexedStream(s, "m1"); !ok || got != id {
		t.Fatalf("indexed stream = %q, %v; want %q", got, ok, id)
	}
	s.MarkStarted(id)
	s.AppendPartial(id, "hel")
	s.AppendPartial(id, "lo")
	s.Append(id, "world", []StreamImage{{Base64: "AA==", MD5: "x"}})

	st, _ := s.Get(id)
	if !st.Started || st.Finished {
		t.Fatalf("state = %+v", st)
	}
	if st.Content != "hello\n\nworld" {
		t.Errorf("content = %q", st.Content)
	}

	if !s.Finish(id) {
		t.Fatal("Finish returned false")
	}
	if s.Append(id, "late", nil) {
		t.Error("finished stream accepted an append")
	}
	st, _ = s.Get(id)
	if st.Content != "hello\n\nworld" || len(st.Images) != 1 {
		t.Errorf("finished stream changed: %+v", st)
	}
}

func TestStreamStoreFail(t *testing.T) {
	s := NewStreamStore(time.Minute)

	empty, _ := s.Create("", true)
	s.Fail(empty, "boom")
	st, _ := s.Get(empty)
	if !st.Finished || st.Content != "Error: boom" || st.Err != "boom" {
		t.Errorf("empty fail = %+v", st)
	}

	partial, _ := s.Create("", true)
	s.Append(partial, "half an answer", nil)
	s.Fail(partial, "boom")
	st, _ = s.Get(partial)
	if st.Content != "half an answer" {
		t.Errorf("fail overwrote content: %q", st.Content)
	}
}

func TestStreamStoreCreateReusesMsgID(t *testing.T) {
	s := NewStreamStore(time.Minute)
	id, created := s.Create("m1", false)
	if !created {
		t.Fatal("first Create reported an existing stream")
	}
	again, created := s.Create("m1", false)
	if created || again != id {
		t.Fatalf("retry Create = %q, %v; want %q, false", again, created, id)
	}
	if other, created := s.Create("", false); !created || other == id {
		t.Errorf("empty msgid Create = %q, %v", other, created)
	}
}

func TestStreamStoreCreateConcurrentRetries(t *testing.T) {
	s := NewStreamStore(time.Minute)
	const n = 32
	ids := make([]string, n)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, created := s.Create("dup", false)
			if created {
				fresh.Add(1)
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Fatalf("%d streams opened for one msgid, want 1", fresh.Load())
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("ids[%d] = %q, want %q", i, id, ids[0])
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStreamStoreMerge(t *testing.T) {
	s := NewStreamStore(time.Minute)
	head, _ := s.Create("m1", false)
	tail, _ := s.Create("m2", false)
	s.Merge(tail, head)

	if _, ok := s.Get(tail); ok {
		t.Error("merged stream still live")
	}
	for _, m := range []string{"m1", "m2"} {
		if got, ok := indexedStream(s, m); !ok || got != head {
			t.Errorf("%s -> %q, %v; want %q", m, got, ok, head)
		}
	}

	orphan, _ := s.Create("m3", false)
	s.Merge(orphan, "missing")
	if _, ok := s.Get(orphan); !ok {
		t.Error("merge into a missing stream dropped the source")
	}
}

func TestStreamStorePrune(t *testing.T) {
	s := NewStreamStore(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	old, _ := s.Create("old", false)

	s.now = func() time.Time { return base.Add(50 * time.Second) }
	fresh, _ := s.Create("fresh", false)

	if n := s.Prune(base.Add(90 * time.Second)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := s.Get(old); ok {
		t.Error("old stream survived")
	}
	if _, ok := s.Get(fresh); !ok {
		t.Error("fresh stream pruned")
	}
	if _, ok := indexedStream(s, "old"); ok {
		t.Error("old msgid still indexed")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestTruncateUTF8Front(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 10, "abc"},
		{"abcdef", 3, "def"},
		{"中文字", 4, "字"},
		{"a中文", 5, "文"},
	}
	for _, tt := range tests {
		if got := truncateUTF8Front(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateUTF8Front(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestStreamContentCapped(t *testing.T) {
	s := NewStreamStore(time.Minute)
	id, _ := s.Create("", true)
	s.Append(id, strings.Repeat("x", streamMaxBytes), nil)
	s.AppendPartial(id, "tail")
	st, _ := s.Get(id)
	if len(st.Content) != streamMaxBytes {
		t.Fatalf("len = %d, want %d", len(st.Content), streamMaxBytes)
	}
	if !strings.HasSuffix(st.Content, "tail") {
		t.Error("newest content dropped instead of oldest")
	}
}

func TestSnapshotReply(t *testing.T) {
	st := StreamState{ID: "s1", Content: "hi", Images: []StreamImage{{Base64: "AA==", MD5: "m"}}}
	r := snapshotReply(st, "")
	if r.MsgType != "stream" || r.Stream.Finish || len(r.Stream.MsgItem) != 0 || r.Stream.Content != "hi" {
		t.Fatalf("unfinished snapshot = %+v", r)
	}

	st.Finished = true
	r = snapshotReply(st, "")
	if !r.Stream.Finish || len(r.Stream.MsgItem) != 1 || r.Stream.MsgItem[0].Image.MD5 != "m" {
		t.Fatalf("finished snapshot = %+v", r)
	}

	if p := placeholderReply("s2", "  "); p.Stream.Content != "1" || p.Stream.ID != "s2" {
		t.Errorf("placeholder = %+v", p)
	}
	if u := unknownStreamReply(""); u.Stream.ID != "unknown" || !u.Stream.Finish {
		t.Errorf("unknown = %+v", u)
	}
}

func TestSnapshotReplyPendingShowsPlaceholder(t *testing.T) {
	tests := []struct {
		name        string
		st          StreamState
		placeholder string
		want        string
	}{
		{"pending default", StreamState{ID: "s"}, "", "1"},
		{"pending configured", StreamState{ID: "s"}, "thinking...", "thinking..."},
		{"pending with content", StreamState{ID: "s", Content: "par"}, "thinking...", "par"},
		{"finished empty", StreamState{ID: "s", Finished: true}, "thinking...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snapshotReply(tt.st, tt.placeholder).Stream.Content; got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func indexedStream(s *StreamStore, msgID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMsgID[msgID]
	if _, live := s.streams[id]; !ok || !live {
		return "", false
	}
	return id, true
}
