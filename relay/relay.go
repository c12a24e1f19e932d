package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"plotwave.com/collab"
)

// reference relay for the collaboration session layer. One relay hosts
// many document rooms. The relay owns the authoritative session state
// per room: it snapshots it for every joiner, re-broadcasts client
// intents as their inbound counterparts, and fills in the
// authoritative fields (sender id, server time).
//
// Room mutations and broadcast enqueue happen under one lock, so every
// member observes events in the same order the relay applied them.

type RelaySettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration

	SendBufferSize int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		AuthTimeout:    2 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		PingTimeout:    1 * time.Second,
		SendBufferSize: 64,
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]*room
}

type room struct {
	documentId    string
	members       map[string]*member
	annotations   []*collab.Annotation
	voiceComments []*collab.VoiceComment
	// followerId -> leaderId, at most one leader per follower
	follows map[string]string
}

type member struct {
	participant collab.Participant
	cursor      *collab.Cursor
	ws          *websocket.Conn
	sendQueue   chan []byte
	closeOnce   sync.Once
}

func (self *member) close() {
	self.closeOnce.Do(func() {
		close(self.sendQueue)
	})
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// origin policy belongs to the deployment proxy
				return true
			},
		},
		rooms: map[string]*room{},
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	go self.handleConnection(ws)
}

func (self *Relay) handleConnection(ws *websocket.Conn) {
	defer ws.Close()

	documentId, participant, ok := self.handshake(ws)
	if !ok {
		return
	}

	m := &member{
		participant: participant,
		ws:          ws,
		sendQueue:   make(chan []byte, self.settings.SendBufferSize),
	}

	self.register(documentId, m)
	defer self.unregister(documentId, m)

	go self.writePump(m)
	self.readLoop(documentId, m)
}

// handshake then join, both under the auth deadline. A missing or
// unverifiable bearer closes the connection with a policy violation,
// which the client surfaces as a rejected protocol, not a retry.
func (self *Relay) handshake(ws *websocket.Conn) (string, collab.Participant, bool) {
	reject := func(code string, message string) (string, collab.Participant, bool) {
		b, err := collab.EncodeMessage(&collab.ErrorMessage{
			Code:    code,
			Message: message,
		})
		if err == nil {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			ws.WriteMessage(websocket.TextMessage, b)
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		)
		return "", collab.Participant{}, false
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, handshakeBytes, err := ws.ReadMessage()
	if err != nil {
		return "", collab.Participant{}, false
	}
	message, err := collab.DecodeMessage(handshakeBytes)
	if err != nil {
		return reject("bad-handshake", err.Error())
	}
	handshake, ok := message.(*collab.Handshake)
	if !ok {
		return reject("bad-handshake", "expected handshake")
	}
	if handshake.DocumentId == "" {
		return reject("bad-handshake", "missing document id")
	}
	if handshake.Bearer == "" {
		return reject("unauthorized", "missing bearer")
	}
	// full signature verification is the auth gate's job; the relay
	// pins the connection to the token identity
	tokenParticipant, err := collab.ParticipantFromToken(handshake.Bearer)
	if err != nil {
		return reject("unauthorized", err.Error())
	}

	ackBytes, err := collab.EncodeMessage(&collab.HandshakeAck{
		DocumentId: handshake.DocumentId,
	})
	if err != nil {
		return "", collab.Participant{}, false
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, ackBytes); err != nil {
		return "", collab.Participant{}, false
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, joinBytes, err := ws.ReadMessage()
	if err != nil {
		return "", collab.Participant{}, false
	}
	message, err = collab.DecodeMessage(joinBytes)
	if err != nil {
		return reject("bad-join", err.Error())
	}
	join, ok := message.(*collab.Join)
	if !ok {
		return reject("bad-join", "expected join")
	}
	if join.DocumentId != handshake.DocumentId {
		return reject("bad-join", "document mismatch")
	}
	if join.Participant.Id != tokenParticipant.Id {
		return reject("unauthorized", "participant does not match token")
	}

	participant := join.Participant
	if participant.Name == "" {
		participant.Name = tokenParticipant.Name
	}
	if participant.Color == "" {
		participant.Color = collab.ParticipantColor(participant.Id)
	}
	return handshake.DocumentId, participant, true
}

func (self *Relay) register(documentId string, m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[documentId]
	if !ok {
		r = &room{
			documentId: documentId,
			members:    map[string]*member{},
			follows:    map[string]string{},
		}
		self.rooms[documentId] = r
	}

	// at most one live entry per identity per session. A reconnecting
	// participant replaces their previous connection.
	if previous, ok := r.members[m.participant.Id]; ok {
		previous.close()
		previous.ws.Close()
	}
	r.members[m.participant.Id] = m

	glog.V(1).Infof("[relay]%s join %s (%d members)\n", documentId, m.participant.Id, len(r.members))

	snapshot := self.snapshotLocked(r)
	// a reconnecting participant keeps their follow relationship
	if leaderId, ok := r.follows[m.participant.Id]; ok {
		snapshot.FollowMode = &collab.FollowRelationship{
			FollowerId: m.participant.Id,
			LeaderId:   leaderId,
		}
	}
	self.enqueueLocked(m, snapshot)
	self.broadcastLocked(r, &collab.CollaboratorJoined{
		Collaborator: collaboratorOf(r, m),
	}, m.participant.Id)
}

func (self *Relay) unregister(documentId string, m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[documentId]
	if !ok {
		return
	}
	current, ok := r.members[m.participant.Id]
	if !ok || current != m {
		// already replaced by a reconnect
		m.close()
		return
	}
	delete(r.members, m.participant.Id)
	m.close()

	// the departed member stops following anyone
	delete(r.follows, m.participant.Id)
	// and a departed leader implicitly releases their followers
	for followerId, leaderId := range r.follows {
		if leaderId == m.participant.Id {
			delete(r.follows, followerId)
			self.broadcastLocked(r, &collab.FollowStopped{
				FollowerId: followerId,
			}, "")
		}
	}

	self.broadcastLocked(r, &collab.CollaboratorLeft{
		CollaboratorId: m.participant.Id,
	}, "")

	glog.V(1).Infof("[relay]%s leave %s (%d members)\n", documentId, m.participant.Id, len(r.members))

	if len(r.members) == 0 {
		delete(self.rooms, documentId)
	}
}

func (self *Relay) readLoop(documentId string, m *member) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		m.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := m.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[relay]%s<- error = %s\n", m.participant.Id, err)
			return
		}
		if len(b) == 0 {
			// ping
			continue
		}

		message, err := collab.DecodeMessage(b)
		if err != nil {
			glog.Warningf("[relay]drop malformed from %s = %s\n", m.participant.Id, err)
			continue
		}
		self.handleIntent(documentId, m, message)
	}
}

func (self *Relay) handleIntent(documentId string, m *member, message any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[documentId]
	if !ok {
		return
	}

	switch v := message.(type) {
	case *collab.CursorMove:
		m.cursor = &collab.Cursor{
			Position:  collab.Position{X: v.X, Y: v.Y},
			SurfaceId: v.SurfaceId,
		}
		self.broadcastLocked(r, &collab.CursorUpdate{
			CollaboratorId: m.participant.Id,
			X:              v.X,
			Y:              v.Y,
			SurfaceId:      v.SurfaceId,
		}, m.participant.Id)
	case *collab.AnnotationAdd:
		annotationId := v.AnnotationId
		if annotationId.IsZero() {
			annotationId = collab.NewId()
		}
		annotation := &collab.Annotation{
			Id:        annotationId,
			SurfaceId: v.SurfaceId,
			Position:  v.Position,
			Text:      v.Text,
			AuthorId:  m.participant.Id,
			CreatedAt: time.Now().UTC(),
		}
		r.annotations = append(r.annotations, annotation)
		// broadcast to everyone including the author, to confirm
		self.broadcastLocked(r, &collab.AnnotationAdded{
			Annotation: *annotation,
		}, "")
	case *collab.AnnotationUpdate:
		for _, annotation := range r.annotations {
			if annotation.Id == v.AnnotationId {
				if annotation.AuthorId != m.participant.Id {
					// only the author edits
					return
				}
				annotation.Text = v.Text
				self.broadcastLocked(r, &collab.AnnotationUpdated{
					AnnotationId: v.AnnotationId,
					Text:         v.Text,
					AuthorId:     m.participant.Id,
				}, "")
				return
			}
		}
	case *collab.AnnotationRemove:
		// any participant can remove
		for i, annotation := range r.annotations {
			if annotation.Id == v.AnnotationId {
				r.annotations = append(r.annotations[:i], r.annotations[i+1:]...)
				self.broadcastLocked(r, &collab.AnnotationRemoved{
					AnnotationId: v.AnnotationId,
				}, "")
				return
			}
		}
	case *collab.VoiceAdd:
		voiceCommentId := v.VoiceCommentId
		if voiceCommentId.IsZero() {
			voiceCommentId = collab.NewId()
		}
		voiceComment := &collab.VoiceComment{
			Id:             voiceCommentId,
			SurfaceId:      v.SurfaceId,
			Position:       v.Position,
			AudioRef:       v.AudioRef,
			DurationMillis: v.DurationMillis,
			AuthorId:       m.participant.Id,
			CreatedAt:      time.Now().UTC(),
		}
		r.voiceComments = append(r.voiceComments, voiceComment)
		self.broadcastLocked(r, &collab.VoiceAdded{
			VoiceComment: *voiceComment,
		}, "")
	case *collab.FollowStart:
		if v.LeaderId == "" || v.LeaderId == m.participant.Id {
			return
		}
		if _, ok := r.members[v.LeaderId]; !ok {
			// unknown leader, e.g. left between intent and arrival
			return
		}
		r.follows[m.participant.Id] = v.LeaderId
		self.broadcastLocked(r, &collab.FollowStarted{
			FollowerId: m.participant.Id,
			LeaderId:   v.LeaderId,
		}, "")
	case *collab.FollowStop:
		if _, ok := r.follows[m.participant.Id]; !ok {
			return
		}
		delete(r.follows, m.participant.Id)
		self.broadcastLocked(r, &collab.FollowStopped{
			FollowerId: m.participant.Id,
		}, "")
	default:
		glog.V(2).Infof("[relay]ignore %T from %s\n", v, m.participant.Id)
	}
}

func collaboratorOf(r *room, m *member) collab.Collaborator {
	return collab.Collaborator{
		Id:            m.participant.Id,
		DisplayName:   m.participant.Name,
		Color:         m.participant.Color,
		LastCursor:    m.cursor,
		IsFollowingId: r.follows[m.participant.Id],
	}
}

func (self *Relay) snapshotLocked(r *room) *collab.SessionSnapshot {
	collaborators := make(map[string]*collab.Collaborator, len(r.members))
	for participantId, m := range r.members {
		collaborator := collaboratorOf(r, m)
		collaborators[participantId] = &collaborator
	}
	return &collab.SessionSnapshot{
		Collaborators: collaborators,
		Annotations:   r.annotations,
		VoiceComments: r.voiceComments,
	}
}

// skipId skips one member, e.g. the sender of a cursor move. Empty
// skipId broadcasts to everyone.
func (self *Relay) broadcastLocked(r *room, message any, skipId string) {
	b, err := collab.EncodeMessage(message)
	if err != nil {
		glog.Warningf("[relay]encode %T error = %s\n", message, err)
		return
	}
	for participantId, m := range r.members {
		if skipId != "" && participantId == skipId {
			continue
		}
		self.enqueueRawLocked(m, b)
	}
}

func (self *Relay) enqueueLocked(m *member, message any) {
	b, err := collab.EncodeMessage(message)
	if err != nil {
		glog.Warningf("[relay]encode %T error = %s\n", message, err)
		return
	}
	self.enqueueRawLocked(m, b)
}

func (self *Relay) enqueueRawLocked(m *member, b []byte) {
	select {
	case m.sendQueue <- b:
	default:
		// queue full means the member is slow or dead. Drop the
		// connection; the client reconnects and resnapshots.
		glog.Infof("[relay]%s send queue full, closing\n", m.participant.Id)
		m.ws.Close()
	}
}

func (self *Relay) writePump(m *member) {
	defer m.ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case b, ok := <-m.sendQueue:
			if !ok {
				return
			}
			m.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := m.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.V(2).Infof("[relay]%s-> error = %s\n", m.participant.Id, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			m.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := m.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// member count for one document, zero when the room does not exist
func (self *Relay) RoomSize(documentId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[documentId]
	if !ok {
		return 0
	}
	return len(r.members)
}

func (self *Relay) Close() {
	self.cancel()
}
