package collab

import (
	"context"
	"fmt"
)

// one live collaboration context scoped to one (participant, document)
// pairing. The session owns its connection manager, state store,
// dispatcher and ingestor together, and releases them together on
// every exit path. Concurrent sessions for different documents are
// fully independent. There is no process-wide shared client handle.

type SessionSettings struct {
	Connection *ConnectionManagerSettings
	Dispatcher *DispatcherSettings
	Ingestor   *EventIngestorSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Connection: DefaultConnectionManagerSettings(),
		Dispatcher: DefaultDispatcherSettings(),
		Ingestor:   DefaultEventIngestorSettings(),
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId  string
	participant Participant

	store      *StateStore
	connection *ConnectionManager
	dispatcher *Dispatcher
	ingestor   *EventIngestor
}

func NewSessionWithDefaults(
	ctx context.Context,
	transportUrl string,
	documentId string,
	tokenSource TokenSource,
) (*Session, error) {
	return NewSession(ctx, transportUrl, documentId, tokenSource, DefaultSessionSettings())
}

// fails with `ErrAuthUnavailable` when the identity provider has no
// credential yet. That is non-fatal: create the session again once
// auth completes.
func NewSession(
	ctx context.Context,
	transportUrl string,
	documentId string,
	tokenSource TokenSource,
	settings *SessionSettings,
) (*Session, error) {
	token, err := tokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthUnavailable, err)
	}
	participant, err := ParticipantFromToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolRejected, err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewStateStore(participant.Id)
	connection := NewConnectionManager(
		cancelCtx,
		transportUrl,
		documentId,
		*participant,
		tokenSource,
		settings.Connection,
	)
	dispatcher := NewDispatcher(connection, store, settings.Dispatcher)
	ingestor := NewEventIngestor(cancelCtx, store, connection.Receive(), settings.Ingestor)

	connection.AddConnectivityCallback(func(connectivity Connectivity) {
		if connectivity.IsConnected() {
			ingestor.NotifyConnected()
		}
	})

	session := &Session{
		ctx:         cancelCtx,
		cancel:      cancel,
		documentId:  documentId,
		participant: *participant,
		store:       store,
		connection:  connection,
		dispatcher:  dispatcher,
		ingestor:    ingestor,
	}
	go ingestor.Run()
	return session, nil
}

func (self *Session) Connect() error {
	return self.connection.Connect()
}

func (self *Session) DocumentId() string {
	return self.documentId
}

func (self *Session) Participant() Participant {
	return self.participant
}

func (self *Session) Store() *StateStore {
	return self.store
}

func (self *Session) Connectivity() Connectivity {
	return self.connection.Connectivity()
}

func (self *Session) AddConnectivityCallback(connectivityCallback ConnectivityFunction) func() {
	return self.connection.AddConnectivityCallback(connectivityCallback)
}

// local intents, forwarded to the dispatcher

func (self *Session) MoveCursor(x float64, y float64, surfaceId string) {
	self.dispatcher.MoveCursor(x, y, surfaceId)
}

func (self *Session) AddAnnotation(surfaceId string, position Position, text string) Id {
	return self.dispatcher.AddAnnotation(surfaceId, position, text)
}

func (self *Session) UpdateAnnotation(annotationId Id, text string) {
	self.dispatcher.UpdateAnnotation(annotationId, text)
}

func (self *Session) RemoveAnnotation(annotationId Id) {
	self.dispatcher.RemoveAnnotation(annotationId)
}

func (self *Session) AddVoiceComment(surfaceId string, position Position, audioRef string, durationMillis int64) Id {
	return self.dispatcher.AddVoiceComment(surfaceId, position, audioRef, durationMillis)
}

func (self *Session) StartFollowing(leaderId string) {
	self.dispatcher.StartFollowing(leaderId)
}

func (self *Session) StopFollowing() {
	self.dispatcher.StopFollowing()
}

// tears the session down: stops the reconnect loop, releases the
// transport, and stops the ingestor. No background work references the
// session afterward. The store is left readable but frozen.
func (self *Session) Close() {
	self.cancel()
	self.dispatcher.Close()
	self.connection.Close()
}
