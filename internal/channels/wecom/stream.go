package wecom

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	streamTTL      = 10 * time.Minute
	streamMaxBytes = 20480
)

// StreamImage is one finished image attached to a stream reply.
type StreamImage struct {
	Base64 string
	MD5    string
}

// StreamState is the reply buffer behind one bot stream id. WeCom polls it
// until Finished is true.
type StreamState struct {
	ID        string
	MsgID     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Started   bool
	Finished  bool
	Err       string
	Content   string
	Images    []StreamImage
}

// StreamStore owns every open stream and the msgid → stream index.
type StreamStore struct {
	mu      sync.Mutex
	streams map[string]*StreamState
	byMsgID map[string]string
	ttl     time.Duration
	now     func() time.Time
}

// NewStreamStore creates a store whose streams expire ttl after their last update.
func NewStreamStore(ttl time.Duration) *StreamStore {
	if ttl <= 0 {
		ttl = streamTTL
	}
	return &StreamStore{
		streams: make(map[string]*StreamState),
		byMsgID: make(map[string]string),
		ttl:     ttl,
		now:     time.Now,
	}
}

func newStreamID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Create returns the live stream indexed under msgID, or opens one. created
// is false when msgID was already known. Lookup and create share one lock so
// concurrent retries of a msgid see the same stream.
func (s *StreamStore) Create(msgID string, started bool) (id string, created bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgID != "" {
		if sid, ok := s.byMsgID[msgID]; ok {
			if _, live := s.streams[sid]; live {
				return sid, false
			}
		}
	}
	id = newStreamID()
	s.streams[id] = &StreamState{ID: id, MsgID: msgID, CreatedAt: now, UpdatedAt: now, Started: started}
	if msgID != "" {
		s.byMsgID[msgID] = id
	}
	return id, true
}

// Get returns a copy of the stream.
func (s *StreamStore) Get(id string) (StreamState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return StreamState{}, false
	}
	cp := *st
	cp.Images = append([]StreamImage(nil), st.Images...)
	return cp, true
}

// Merge drops stream from and repoints its msgids at into. It is a no-op
// when into is gone.
func (s *StreamStore) Merge(from, into string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[into]; !ok {
		return
	}
	delete(s.streams, from)
	for m, sid := range s.byMsgID {
		if sid == from {
			s.byMsgID[m] = into
		}
	}
}

// update runs fn on a live, unfinished stream. Finished streams are immutable.
func (s *StreamStore) update(id string, fn func(st *StreamState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok || st.Finished {
		return false
	}
	fn(st)
	st.UpdatedAt = s.now()
	return true
}

// MarkStarted flags the stream as handed to the agent.
func (s *StreamStore) MarkStarted(id string) bool {
	return s.update(id, func(st *StreamState) { st.Started = true })
}

// Append adds a complete reply unit, separated from earlier content by a blank line.
func (s *StreamStore) Append(id, text string, images []StreamImage) bool {
	return s.update(id, func(st *StreamState) {
		if text != "" {
			if st.Content != "" {
				st.Content = strings.TrimSpace(st.Content + "\n\n" + text)
			} else {
				st.Content = strings.TrimSpace(text)
			}
			st.Content = truncateUTF8Front(st.Content, streamMaxBytes)
		}
		st.Images = append(st.Images, images...)
	})
}

// AppendPartial appends a streamed delta without a separator.
func (s *StreamStore) AppendPartial(id, delta string) bool {
	return s.update(id, func(st *StreamState) {
		st.Content = truncateUTF8Front(st.Content+delta, streamMaxBytes)
	})
}

// Finish marks the stream complete.
func (s *StreamStore) Finish(id string) bool {
	return s.update(id, func(st *StreamState) { st.Finished = true })
}

// Fail records errMsg and finishes the stream. Content that is still empty
// becomes "Error: <errMsg>".
func (s *StreamStore) Fail(id, errMsg string) bool {
	return s.update(id, func(st *StreamState) {
		st.Err = errMsg
		if st.Content == "" {
			st.Content = "Error: " + errMsg
		}
		st.Finished = true
	})
}

// Replace sets the final content and finishes the stream.
func (s *StreamStore) Replace(id, content string) bool {
	return s.update(id, func(st *StreamState) {
		st.Content = truncateUTF8Front(content, streamMaxBytes)
		st.Finished = true
	})
}

// Prune drops streams idle for longer than the TTL and stale msgid entries.
func (s *StreamStore) Prune(now time.Time) int {
	cutoff := now.Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.streams {
		if st.UpdatedAt.Before(cutoff) {
			delete(s.streams, id)
			n++
		}
	}
	for m, id := range s.byMsgID {
		if _, ok := s.streams[id]; !ok {
			delete(s.byMsgID, m)
		}
	}
	return n
}

// Len returns the number of live streams.
func (s *StreamStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// truncateUTF8Front keeps the last maxBytes bytes of s, advancing the cut to
// the next rune boundary so no character is split.
func truncateUTF8Front(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := len(s) - maxBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// --- poll replies ---

type streamImageItem struct {
	MsgType string `json:"msgtype"`
	Image   struct {
		Base64 string `json:"base64"`
		MD5    string `json:"md5"`
	} `json:"image"`
}

type streamBody struct {
	ID      string            `json:"id"`
	Finish  bool              `json:"finish"`
	Content string            `json:"content"`
	MsgItem []streamImageItem `json:"msg_item,omitempty"`
}

type streamReply struct {
	MsgType string     `json:"msgtype"`
	Stream  streamBody `json:"stream"`
}

func placeholderText(content string) string {
	if content = strings.TrimSpace(content); content == "" {
		return "1"
	}
	return content
}

// placeholderReply is the first frame of a stream.
func placeholderReply(id, content string) streamReply {
	return streamReply{MsgType: "stream", Stream: streamBody{ID: id, Content: placeholderText(content)}}
}

// snapshotReply renders a poll response. An open stream with nothing buffered
// yet shows the placeholder. Images ride along only once finished.
func snapshotReply(st StreamState, placeholder string) streamReply {
	content := truncateUTF8Front(st.Content, streamMaxBytes)
	if !st.Finished && content == "" {
		content = placeholderText(placeholder)
	}
	body := streamBody{
		ID:      st.ID,
		Finish:  st.Finished,
		Content: content,
	}
	if st.Finished {
		for _, img := range st.Images {
			item := streamImageItem{MsgType: "image"}
			item.Image.Base64 = img.Base64
			item.Image.MD5 = img.MD5
			body.MsgItem = append(body.MsgItem, item)
		}
	}
	return streamReply{MsgType: "stream", Stream: body}
}

// unknownStreamReply answers a poll for a stream that no longer exists.
func unknownStreamReply(id string) streamReply {
	if id == "" {
		id = "unknown"
	}
	return streamReply{MsgType: "stream", Stream: streamBody{ID: id, Finish: true}}
}
