package collab

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// translates local user intents into outbound wire messages. Intents
// are fire-and-forget: when the connection is down or a precondition
// fails, the intent is a no-op, not an error. The dispatcher never
// mutates the state store - authoritative state only changes on the
// matching inbound confirmation event.

type MessageSender interface {
	SendMessage(message any) bool
}

type DispatcherSettings struct {
	// minimum spacing between outbound cursor-move messages.
	// Intermediate positions are coalesced, latest wins.
	CursorMinInterval time.Duration
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		CursorMinInterval: 50 * time.Millisecond,
	}
}

type Dispatcher struct {
	sender MessageSender
	store  *StateStore

	settings *DispatcherSettings

	cursorLock       sync.Mutex
	cursorWindowOpen bool
	pendingCursor    *CursorMove
	cursorTimer      *time.Timer
	closed           bool
}

func NewDispatcherWithDefaults(sender MessageSender, store *StateStore) *Dispatcher {
	return NewDispatcher(sender, store, DefaultDispatcherSettings())
}

func NewDispatcher(sender MessageSender, store *StateStore, settings *DispatcherSettings) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		store:    store,
		settings: settings,
	}
}

// rate limited to one outbound message per `CursorMinInterval`
// regardless of input frequency. Never blocks the caller.
func (self *Dispatcher) MoveCursor(x float64, y float64, surfaceId string) {
	if surfaceId == "" {
		return
	}
	message := &CursorMove{
		X:         x,
		Y:         y,
		SurfaceId: surfaceId,
	}

	self.cursorLock.Lock()
	defer self.cursorLock.Unlock()

	if self.closed {
		return
	}
	if self.cursorWindowOpen {
		// coalesce. Only the latest position in the window is sent.
		self.pendingCursor = message
		return
	}
	self.cursorWindowOpen = true
	self.cursorTimer = time.AfterFunc(self.settings.CursorMinInterval, self.flushCursor)
	self.sender.SendMessage(message)
}

func (self *Dispatcher) flushCursor() {
	self.cursorLock.Lock()
	defer self.cursorLock.Unlock()

	if self.closed {
		return
	}
	if self.pendingCursor == nil {
		self.cursorWindowOpen = false
		return
	}
	message := self.pendingCursor
	self.pendingCursor = nil
	self.cursorTimer = time.AfterFunc(self.settings.CursorMinInterval, self.flushCursor)
	self.sender.SendMessage(message)
}

// returns the client-generated annotation id, or the zero id when the
// intent was invalid
func (self *Dispatcher) AddAnnotation(surfaceId string, position Position, text string) Id {
	if surfaceId == "" {
		return Id{}
	}
	if strings.TrimSpace(text) == "" {
		glog.V(2).Infof("[d]drop annotation with empty text\n")
		return Id{}
	}
	annotationId := NewId()
	self.sender.SendMessage(&AnnotationAdd{
		AnnotationId: annotationId,
		SurfaceId:    surfaceId,
		Position:     position,
		Text:         text,
	})
	return annotationId
}

// edit-text is restricted to the annotation's author. The relay
// enforces this too; checking locally just avoids a doomed round trip.
func (self *Dispatcher) UpdateAnnotation(annotationId Id, text string) {
	if annotationId.IsZero() || strings.TrimSpace(text) == "" {
		return
	}
	for _, annotation := range self.store.Annotations() {
		if annotation.Id == annotationId {
			if annotation.AuthorId != self.store.SelfId() {
				glog.V(2).Infof("[d]drop edit of %s, not author\n", annotationId)
				return
			}
			self.sender.SendMessage(&AnnotationUpdate{
				AnnotationId: annotationId,
				Text:         text,
			})
			return
		}
	}
}

func (self *Dispatcher) RemoveAnnotation(annotationId Id) {
	if annotationId.IsZero() {
		return
	}
	self.sender.SendMessage(&AnnotationRemove{
		AnnotationId: annotationId,
	})
}

func (self *Dispatcher) AddVoiceComment(surfaceId string, position Position, audioRef string, durationMillis int64) Id {
	if surfaceId == "" || audioRef == "" || durationMillis <= 0 {
		return Id{}
	}
	voiceCommentId := NewId()
	self.sender.SendMessage(&VoiceAdd{
		VoiceCommentId: voiceCommentId,
		SurfaceId:      surfaceId,
		Position:       position,
		AudioRef:       audioRef,
		DurationMillis: durationMillis,
	})
	return voiceCommentId
}

// two-phase: this only sends the intent. Follow mode becomes
// authoritative when the `follow-started` confirmation arrives.
func (self *Dispatcher) StartFollowing(leaderId string) {
	if leaderId == "" {
		return
	}
	if leaderId == self.store.SelfId() {
		// self-follow is the one structurally impossible edge
		return
	}
	self.sender.SendMessage(&FollowStart{
		LeaderId: leaderId,
	})
}

func (self *Dispatcher) StopFollowing() {
	self.sender.SendMessage(&FollowStop{})
}

func (self *Dispatcher) Close() {
	self.cursorLock.Lock()
	defer self.cursorLock.Unlock()

	self.closed = true
	if self.cursorTimer != nil {
		self.cursorTimer.Stop()
		self.cursorTimer = nil
	}
	self.pendingCursor = nil
}
