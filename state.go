package collab

import (
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// single source of truth for one session's ephemeral collaboration
// state. All mutation goes through `ApplySnapshot`/`ApplyEvent`, and
// the session serializes those onto one goroutine (see
// `EventIngestor.Run`). Reads can come from any goroutine.

type PresenceEventFunction = func(collaborator Collaborator, joined bool)

type ChangeFunction = func()

type StateStore struct {
	selfId string

	stateLock sync.Mutex

	collaborators map[string]*Collaborator
	annotations   []*Annotation
	voiceComments []*VoiceComment
	followMode    *FollowRelationship

	presenceCallbacks *CallbackList[PresenceEventFunction]
	changeCallbacks   *CallbackList[ChangeFunction]
}

func NewStateStore(selfId string) *StateStore {
	return &StateStore{
		selfId:            selfId,
		collaborators:     map[string]*Collaborator{},
		annotations:       []*Annotation{},
		voiceComments:     []*VoiceComment{},
		presenceCallbacks: NewCallbackList[PresenceEventFunction](),
		changeCallbacks:   NewCallbackList[ChangeFunction](),
	}
}

func (self *StateStore) SelfId() string {
	return self.selfId
}

func (self *StateStore) AddPresenceCallback(presenceCallback PresenceEventFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *StateStore) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// full replace with the authoritative relay state. Idempotent:
// applying the same snapshot twice is the same as applying it once,
// and collaborators already known from before the snapshot do not
// produce spurious joined events.
func (self *StateStore) ApplySnapshot(snapshot *SessionSnapshot) {
	var joined []Collaborator
	var left []Collaborator

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		nextCollaborators := map[string]*Collaborator{}
		for collaboratorId, collaborator := range snapshot.Collaborators {
			nextCollaborators[collaboratorId] = collaborator
			if _, ok := self.collaborators[collaboratorId]; !ok {
				joined = append(joined, *collaborator)
			}
		}
		for collaboratorId, collaborator := range self.collaborators {
			if _, ok := nextCollaborators[collaboratorId]; !ok {
				left = append(left, *collaborator)
			}
		}

		self.collaborators = nextCollaborators
		self.annotations = slices.Clone(snapshot.Annotations)
		self.voiceComments = slices.Clone(snapshot.VoiceComments)
		self.followMode = snapshot.FollowMode
	}()

	for _, collaborator := range joined {
		for _, presenceCallback := range self.presenceCallbacks.Get() {
			presenceCallback(collaborator, true)
		}
	}
	for _, collaborator := range left {
		for _, presenceCallback := range self.presenceCallbacks.Get() {
			presenceCallback(collaborator, false)
		}
	}
	self.changed()
}

// incremental mutation from one validated inbound event. Events that
// reference unknown collaborators or annotations are dropped, since
// reconnection gaps legitimately produce them. Unknown event types are
// dropped with a warning. Never panics.
func (self *StateStore) ApplyEvent(event any) {
	switch v := event.(type) {
	case *CollaboratorJoined:
		self.applyCollaboratorJoined(v)
	case *CollaboratorLeft:
		self.applyCollaboratorLeft(v)
	case *CursorUpdate:
		self.applyCursorUpdate(v)
	case *AnnotationAdded:
		self.applyAnnotationAdded(v)
	case *AnnotationUpdated:
		self.applyAnnotationUpdated(v)
	case *AnnotationRemoved:
		self.applyAnnotationRemoved(v)
	case *VoiceAdded:
		self.applyVoiceAdded(v)
	case *FollowStarted:
		self.applyFollowStarted(v)
	case *FollowStopped:
		self.applyFollowStopped(v)
	default:
		glog.Warningf("[st]drop unknown event %T\n", v)
		return
	}
	self.changed()
}

func (self *StateStore) applyCollaboratorJoined(event *CollaboratorJoined) {
	collaborator := event.Collaborator
	if collaborator.Color == "" {
		collaborator.Color = ParticipantColor(collaborator.Id)
	}

	known := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// at most one live entry per identity
		_, known = self.collaborators[collaborator.Id]
		self.collaborators[collaborator.Id] = &collaborator
	}()

	if !known {
		for _, presenceCallback := range self.presenceCallbacks.Get() {
			presenceCallback(collaborator, true)
		}
	}
}

func (self *StateStore) applyCollaboratorLeft(event *CollaboratorLeft) {
	var leftCollaborator *Collaborator
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		collaborator, ok := self.collaborators[event.CollaboratorId]
		if !ok {
			return
		}
		leftCollaborator = collaborator
		delete(self.collaborators, event.CollaboratorId)

		// a departed leader implicitly releases their followers
		if self.followMode != nil && self.followMode.LeaderId == event.CollaboratorId {
			self.followMode = nil
		}
		for _, other := range self.collaborators {
			if other.IsFollowingId == event.CollaboratorId {
				other.IsFollowingId = ""
			}
		}
	}()

	if leftCollaborator != nil {
		for _, presenceCallback := range self.presenceCallbacks.Get() {
			presenceCallback(*leftCollaborator, false)
		}
	}
}

func (self *StateStore) applyCursorUpdate(event *CursorUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborator, ok := self.collaborators[event.CollaboratorId]
	if !ok {
		// cursor for an identity that never joined, e.g. a
		// reconnection gap. Do not invent a collaborator.
		glog.V(2).Infof("[st]drop cursor for unknown %s\n", event.CollaboratorId)
		return
	}
	collaborator.LastCursor = &Cursor{
		Position:  Position{X: event.X, Y: event.Y},
		SurfaceId: event.SurfaceId,
	}
}

func (self *StateStore) applyAnnotationAdded(event *AnnotationAdded) {
	annotation := event.Annotation
	if strings.TrimSpace(annotation.Text) == "" {
		glog.Warningf("[st]drop annotation %s with empty text\n", annotation.Id)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, existing := range self.annotations {
		if existing.Id == annotation.Id {
			// duplicate delivery, e.g. confirmation after a snapshot
			return
		}
	}
	self.annotations = append(self.annotations, &annotation)
}

func (self *StateStore) applyAnnotationUpdated(event *AnnotationUpdated) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, annotation := range self.annotations {
		if annotation.Id == event.AnnotationId {
			// only the author can edit
			if event.AuthorId != annotation.AuthorId {
				glog.Warningf("[st]drop edit of %s by non-author %s\n", annotation.Id, event.AuthorId)
				return
			}
			if strings.TrimSpace(event.Text) == "" {
				return
			}
			annotation.Text = event.Text
			return
		}
	}
}

func (self *StateStore) applyAnnotationRemoved(event *AnnotationRemoved) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.annotations = slices.DeleteFunc(self.annotations, func(annotation *Annotation) bool {
		return annotation.Id == event.AnnotationId
	})
}

func (self *StateStore) applyVoiceAdded(event *VoiceAdded) {
	voiceComment := event.VoiceComment

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, existing := range self.voiceComments {
		if existing.Id == voiceComment.Id {
			return
		}
	}
	self.voiceComments = append(self.voiceComments, &voiceComment)
}

func (self *StateStore) applyFollowStarted(event *FollowStarted) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if event.FollowerId == self.selfId {
		// confirmation of a local intent. At most one leader at a time,
		// so the previous relationship is replaced, never accumulated.
		self.followMode = &FollowRelationship{
			FollowerId: event.FollowerId,
			LeaderId:   event.LeaderId,
		}
	}
	if collaborator, ok := self.collaborators[event.FollowerId]; ok {
		collaborator.IsFollowingId = event.LeaderId
	}
}

func (self *StateStore) applyFollowStopped(event *FollowStopped) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if event.FollowerId == self.selfId {
		self.followMode = nil
	}
	if collaborator, ok := self.collaborators[event.FollowerId]; ok {
		collaborator.IsFollowingId = ""
	}
}

func (self *StateStore) changed() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback()
	}
}

// reads

func (self *StateStore) Collaborators() map[string]Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborators := make(map[string]Collaborator, len(self.collaborators))
	for collaboratorId, collaborator := range self.collaborators {
		collaborators[collaboratorId] = *collaborator
	}
	return collaborators
}

func (self *StateStore) Collaborator(collaboratorId string) (Collaborator, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborator, ok := self.collaborators[collaboratorId]
	if !ok {
		return Collaborator{}, false
	}
	return *collaborator, true
}

func (self *StateStore) CollaboratorIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.collaborators)
}

func (self *StateStore) Annotations() []Annotation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	annotations := make([]Annotation, 0, len(self.annotations))
	for _, annotation := range self.annotations {
		annotations = append(annotations, *annotation)
	}
	return annotations
}

func (self *StateStore) VoiceComments() []VoiceComment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	voiceComments := make([]VoiceComment, 0, len(self.voiceComments))
	for _, voiceComment := range self.voiceComments {
		voiceComments = append(voiceComments, *voiceComment)
	}
	return voiceComments
}

func (self *StateStore) FollowMode() (FollowRelationship, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.followMode == nil {
		return FollowRelationship{}, false
	}
	return *self.followMode, true
}

func (self *StateStore) IsFollowing() bool {
	_, ok := self.FollowMode()
	return ok
}

// the authoritative aggregate, as the relay would snapshot it
func (self *StateStore) Snapshot() *SessionSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &SessionSnapshot{
		Collaborators: maps.Clone(self.collaborators),
		Annotations:   slices.Clone(self.annotations),
		VoiceComments: slices.Clone(self.voiceComments),
		FollowMode:    self.followMode,
	}
}
