package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// consumes inbound wire messages strictly in arrival order and applies
// them to the state store. This is the single writer for the store:
// presence state does not tolerate concurrent or reordered application
// (a left before its join would corrupt the collaborator map), so one
// goroutine per session drains the receive channel.
//
// The ingestor also reconciles presence after (re)connect. The first
// message expected on a fresh connection is a session-snapshot; when
// none arrives within the timeout, the session reconciles to empty
// rather than showing stale pre-disconnect presence.

type EventIngestorSettings struct {
	SnapshotTimeout time.Duration
}

func DefaultEventIngestorSettings() *EventIngestorSettings {
	return &EventIngestorSettings{
		SnapshotTimeout: 5 * time.Second,
	}
}

type EventIngestor struct {
	ctx context.Context

	store   *StateStore
	receive <-chan []byte

	settings *EventIngestorSettings

	connected chan struct{}
}

func NewEventIngestor(
	ctx context.Context,
	store *StateStore,
	receive <-chan []byte,
	settings *EventIngestorSettings,
) *EventIngestor {
	return &EventIngestor{
		ctx:       ctx,
		store:     store,
		receive:   receive,
		settings:  settings,
		connected: make(chan struct{}, 1),
	}
}

// signals a transition into Connected. Arms the snapshot timeout.
func (self *EventIngestor) NotifyConnected() {
	select {
	case self.connected <- struct{}{}:
	default:
	}
}

// blocks until the receive channel closes or the context is done
func (self *EventIngestor) Run() {
	snapshotTimer := time.NewTimer(self.settings.SnapshotTimeout)
	if !snapshotTimer.Stop() {
		<-snapshotTimer.C
	}
	defer snapshotTimer.Stop()

	awaitingSnapshot := false

	armSnapshotTimer := func() {
		if !snapshotTimer.Stop() {
			select {
			case <-snapshotTimer.C:
			default:
			}
		}
		snapshotTimer.Reset(self.settings.SnapshotTimeout)
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.connected:
			awaitingSnapshot = true
			armSnapshotTimer()
		case <-snapshotTimer.C:
			if awaitingSnapshot {
				// stale presence is a worse failure than an empty
				// roster that repopulates in seconds
				glog.Infof("[i]%s, reconcile to empty\n", ErrSnapshotTimeout)
				self.store.ApplySnapshot(&SessionSnapshot{
					Collaborators: map[string]*Collaborator{},
				})
				awaitingSnapshot = false
			}
		case b, ok := <-self.receive:
			if !ok {
				return
			}
			// a queued connected signal always precedes its
			// connection's first message, so apply it first
			select {
			case <-self.connected:
				awaitingSnapshot = true
				armSnapshotTimer()
			default:
			}
			message, err := DecodeMessage(b)
			if err != nil {
				// malformed events are dropped, never crash the session
				glog.Warningf("[i]drop malformed event = %s\n", err)
				continue
			}
			switch v := message.(type) {
			case *SessionSnapshot:
				self.store.ApplySnapshot(v)
				awaitingSnapshot = false
			case *ErrorMessage:
				glog.Infof("[i]relay error %s: %s\n", v.Code, v.Message)
			default:
				self.store.ApplyEvent(v)
			}
		}
	}
}
