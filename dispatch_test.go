package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordingSender struct {
	mutex    sync.Mutex
	messages []any
}

func (self *recordingSender) SendMessage(message any) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messages = append(self.messages, message)
	return true
}

func (self *recordingSender) Messages() []any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	messages := make([]any, len(self.messages))
	copy(messages, self.messages)
	return messages
}

func (self *recordingSender) CursorMoves() []*CursorMove {
	cursorMoves := []*CursorMove{}
	for _, message := range self.Messages() {
		if cursorMove, ok := message.(*CursorMove); ok {
			cursorMoves = append(cursorMoves, cursorMove)
		}
	}
	return cursorMoves
}

func TestCursorThrottle(t *testing.T) {
	sender := &recordingSender{}
	store := NewStateStore("u1")
	dispatcher := NewDispatcher(sender, store, &DispatcherSettings{
		CursorMinInterval: 50 * time.Millisecond,
	})
	defer dispatcher.Close()

	for i := 0; i < 100; i += 1 {
		dispatcher.MoveCursor(float64(i), float64(i), "chart-0")
	}

	// at most one outbound message inside the window
	cursorMoves := sender.CursorMoves()
	assert.Equal(t, len(cursorMoves), 1)
	assert.Equal(t, cursorMoves[0].X, float64(0))

	// the next window flushes only the latest coalesced position
	time.Sleep(120 * time.Millisecond)
	cursorMoves = sender.CursorMoves()
	assert.Equal(t, len(cursorMoves), 2)
	assert.Equal(t, cursorMoves[1].X, float64(99))
	assert.Equal(t, cursorMoves[1].Y, float64(99))
	assert.Equal(t, cursorMoves[1].SurfaceId, "chart-0")
}

func TestCursorThrottleIdle(t *testing.T) {
	sender := &recordingSender{}
	store := NewStateStore("u1")
	dispatcher := NewDispatcher(sender, store, &DispatcherSettings{
		CursorMinInterval: 20 * time.Millisecond,
	})
	defer dispatcher.Close()

	dispatcher.MoveCursor(1, 1, "chart-0")
	time.Sleep(60 * time.Millisecond)
	// no pending position, so the window closed without a flush
	assert.Equal(t, len(sender.CursorMoves()), 1)

	// a later move starts a new window and sends immediately
	dispatcher.MoveCursor(2, 2, "chart-0")
	assert.Equal(t, len(sender.CursorMoves()), 2)
}

func TestSingleLeader(t *testing.T) {
	sender := &recordingSender{}
	store := NewStateStore("u1")
	dispatcher := NewDispatcherWithDefaults(sender, store)
	defer dispatcher.Close()

	dispatcher.StartFollowing("u2")
	dispatcher.StartFollowing("u3")

	messages := sender.Messages()
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[0].(*FollowStart).LeaderId, "u2")
	assert.Equal(t, messages[1].(*FollowStart).LeaderId, "u3")

	// follow mode is authoritative only on confirmation, and the
	// second confirmation replaces the first
	store.ApplyEvent(&FollowStarted{FollowerId: "u1", LeaderId: "u2"})
	store.ApplyEvent(&FollowStarted{FollowerId: "u1", LeaderId: "u3"})
	followMode, ok := store.FollowMode()
	assert.Equal(t, ok, true)
	assert.Equal(t, followMode.LeaderId, "u3")
}

func TestInvalidIntentsAreNoOps(t *testing.T) {
	sender := &recordingSender{}
	store := NewStateStore("u1")
	dispatcher := NewDispatcherWithDefaults(sender, store)
	defer dispatcher.Close()

	// self-follow
	dispatcher.StartFollowing("u1")
	// empty leader
	dispatcher.StartFollowing("")
	// empty annotation text
	annotationId := dispatcher.AddAnnotation("chart-0", Position{X: 1, Y: 2}, "   ")
	assert.Equal(t, annotationId.IsZero(), true)
	// missing surface
	annotationId = dispatcher.AddAnnotation("", Position{X: 1, Y: 2}, "text")
	assert.Equal(t, annotationId.IsZero(), true)
	// zero annotation id
	dispatcher.RemoveAnnotation(Id{})
	// bad voice comment duration
	voiceCommentId := dispatcher.AddVoiceComment("chart-0", Position{}, "audio:abc", 0)
	assert.Equal(t, voiceCommentId.IsZero(), true)
	// cursor without a surface
	dispatcher.MoveCursor(1, 2, "")

	assert.Equal(t, len(sender.Messages()), 0)
}

func TestAnnotationEditOnlyByAuthor(t *testing.T) {
	sender := &recordingSender{}
	store := NewStateStore("u1")
	dispatcher := NewDispatcherWithDefaults(sender, store)
	defer dispatcher.Close()

	mine := Annotation{
		Id:       NewId(),
		Text:     "mine",
		AuthorId: "u1",
	}
	theirs := Annotation{
		Id:       NewId(),
		Text:     "theirs",
		AuthorId: "u2",
	}
	store.ApplyEvent(&AnnotationAdded{Annotation: mine})
	store.ApplyEvent(&AnnotationAdded{Annotation: theirs})

	dispatcher.UpdateAnnotation(theirs.Id, "rewritten")
	assert.Equal(t, len(sender.Messages()), 0)

	dispatcher.UpdateAnnotation(mine.Id, "rewritten")
	messages := sender.Messages()
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].(*AnnotationUpdate).Text, "rewritten")
}
