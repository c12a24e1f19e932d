package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// There is exactly one logical connection per active document view.
// The manager owns the dial/handshake/reconnect loop and the send and
// receive pumps. Consumers see only the `Connectivity` enum and the
// inbound message channel; the detailed state machine stays internal.

type Connectivity string

const (
	ConnectivityDisconnected Connectivity = "Disconnected"
	ConnectivityConnecting   Connectivity = "Connecting"
	ConnectivityConnected    Connectivity = "Connected"
	ConnectivityReconnecting Connectivity = "Reconnecting"
)

func (self Connectivity) IsConnected() bool {
	return self == ConnectivityConnected
}

type ConnectivityFunction = func(connectivity Connectivity)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	// reconnect policy: capped exponential backoff with jitter,
	// bounded attempts per outage
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMaxAttempts     int

	SendBufferSize    int
	ReceiveBufferSize int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:       2 * time.Second,
		AuthTimeout:              2 * time.Second,
		WriteTimeout:             5 * time.Second,
		ReadTimeout:              15 * time.Second,
		PingTimeout:              1 * time.Second,
		ReconnectInitialInterval: 2 * time.Second,
		ReconnectMaxInterval:     5 * time.Second,
		ReconnectMaxAttempts:     3,
		SendBufferSize:           32,
		ReceiveBufferSize:        32,
	}
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportUrl string
	documentId   string
	participant  Participant
	tokenSource  TokenSource

	settings *ConnectionManagerSettings

	send    chan []byte
	receive chan []byte

	stateLock    sync.Mutex
	started      bool
	connectivity Connectivity

	connectivityCallbacks *CallbackList[ConnectivityFunction]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	transportUrl string,
	documentId string,
	participant Participant,
	tokenSource TokenSource,
) *ConnectionManager {
	return NewConnectionManager(
		ctx,
		transportUrl,
		documentId,
		participant,
		tokenSource,
		DefaultConnectionManagerSettings(),
	)
}

func NewConnectionManager(
	ctx context.Context,
	transportUrl string,
	documentId string,
	participant Participant,
	tokenSource TokenSource,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:                   cancelCtx,
		cancel:                cancel,
		transportUrl:          transportUrl,
		documentId:            documentId,
		participant:           participant,
		tokenSource:           tokenSource,
		settings:              settings,
		send:                  make(chan []byte, settings.SendBufferSize),
		receive:               make(chan []byte, settings.ReceiveBufferSize),
		connectivity:          ConnectivityDisconnected,
		connectivityCallbacks: NewCallbackList[ConnectivityFunction](),
	}
}

func (self *ConnectionManager) Connectivity() Connectivity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectivity
}

// the returned function unsubscribes
func (self *ConnectionManager) AddConnectivityCallback(connectivityCallback ConnectivityFunction) func() {
	callbackId := self.connectivityCallbacks.Add(connectivityCallback)
	return func() {
		self.connectivityCallbacks.Remove(callbackId)
	}
}

// inbound wire messages in arrival order. Closed when the connection
// manager stops.
func (self *ConnectionManager) Receive() <-chan []byte {
	return self.receive
}

// starts the connect/reconnect loop. Fails with `ErrAuthUnavailable`
// when no credential can be obtained, which is non-fatal: the caller
// may call `Connect` again once a credential appears.
func (self *ConnectionManager) Connect() error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.started {
			panic("connection manager already started")
		}
	}()

	if _, err := self.tokenSource.Token(self.ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrAuthUnavailable, err)
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.started = true
	}()

	go self.run()
	return nil
}

// enqueues an encoded message when connected. Returns false and drops
// the message otherwise. Never blocks the caller.
func (self *ConnectionManager) SendMessage(message any) bool {
	if !self.Connectivity().IsConnected() {
		glog.V(2).Infof("[cs]drop %T while not connected\n", message)
		return false
	}
	b, err := EncodeMessage(message)
	if err != nil {
		glog.Warningf("[cs]encode %T error = %s\n", message, err)
		return false
	}
	select {
	case self.send <- b:
		return true
	default:
		// buffer full. Ephemeral state is best-effort, drop.
		glog.Infof("[cs]drop %T, send buffer full\n", message)
		return false
	}
}

func (self *ConnectionManager) run() {
	defer func() {
		self.cancel()
		self.setConnectivity(ConnectivityDisconnected)
		close(self.receive)
	}()

	first := true
	for {
		ws, err := self.connectWithBackoff(first)
		if err != nil {
			glog.Infof("[c]%s give up = %s\n", self.documentId, err)
			return
		}
		first = false

		self.setConnectivity(ConnectivityConnected)
		self.handleConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

// one connect cycle: up to `ReconnectMaxAttempts` dial+handshake
// attempts with capped exponential backoff between them.
// `ErrProtocolRejected` aborts the cycle immediately since retrying a
// rejected credential cannot succeed.
func (self *ConnectionManager) connectWithBackoff(first bool) (*websocket.Conn, error) {
	if first {
		self.setConnectivity(ConnectivityConnecting)
	} else {
		self.setConnectivity(ConnectivityReconnecting)
	}

	retryBackoff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(self.settings.ReconnectInitialInterval),
		backoff.WithMaxInterval(self.settings.ReconnectMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	for attempt := 1; ; attempt += 1 {
		ws, err := self.connect()
		if err == nil {
			return ws, nil
		}
		if errors.Is(err, ErrProtocolRejected) {
			return nil, err
		}
		glog.Infof("[c]%s connect attempt %d error = %s\n", self.documentId, attempt, err)
		if self.settings.ReconnectMaxAttempts <= attempt {
			return nil, err
		}
		select {
		case <-self.ctx.Done():
			return nil, self.ctx.Err()
		case <-time.After(retryBackoff.NextBackOff()):
		}
	}
}

// a single dial and handshake. The credential is refreshed from the
// token source on every attempt, never cached.
func (self *ConnectionManager) connect() (*websocket.Conn, error) {
	token, err := self.tokenSource.Token(self.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthUnavailable, err)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.transportUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnreachable, err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	handshakeBytes, err := EncodeMessage(&Handshake{
		DocumentId: self.documentId,
		Bearer:     token,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, handshakeBytes); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnreachable, err)
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, ackBytes, err := ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, fmt.Errorf("%w: %s", ErrProtocolRejected, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransportUnreachable, err)
	}

	ack, err := DecodeMessage(ackBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolRejected, err)
	}
	switch v := ack.(type) {
	case *HandshakeAck:
		if v.DocumentId != self.documentId {
			return nil, fmt.Errorf("%w: ack for document %s", ErrProtocolRejected, v.DocumentId)
		}
	case *ErrorMessage:
		return nil, fmt.Errorf("%w: %s (%s)", ErrProtocolRejected, v.Message, v.Code)
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrProtocolRejected, v)
	}

	success = true
	return ws, nil
}

// runs the send and receive pumps until the transport drops or the
// manager is torn down
func (self *ConnectionManager) handleConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// entering Connected emits the join intent before anything else,
	// so that the relay can snapshot the session for this participant
	joinBytes, err := EncodeMessage(&Join{
		DocumentId:  self.documentId,
		Participant: self.participant,
	})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
		glog.Infof("[cs]%s join error = %s\n", self.documentId, err)
		return
	}

	var pumps sync.WaitGroup

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.documentId, err)
					return
				}
				glog.V(2).Infof("[cs]%s->\n", self.documentId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]%s<- error = %s\n", self.documentId, err)
				return
			}
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[cr]ping %s<-\n", self.documentId)
				continue
			}

			select {
			case <-handleCtx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[cr]%s<-\n", self.documentId)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[cr]drop %s<-\n", self.documentId)
			}
		}
	}()

	<-handleCtx.Done()
	// unblock a pump waiting in ReadMessage, then wait for both pumps
	// so that `receive` is never written after the manager closes it
	ws.Close()
	pumps.Wait()
}

func (self *ConnectionManager) setConnectivity(connectivity Connectivity) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connectivity != connectivity {
			self.connectivity = connectivity
			changed = true
		}
	}()
	if !changed {
		return
	}
	glog.V(1).Infof("[c]%s connectivity %s\n", self.documentId, connectivity)
	for _, connectivityCallback := range self.connectivityCallbacks.Get() {
		connectivityCallback(connectivity)
	}
}

func (self *ConnectionManager) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *ConnectionManager) Close() {
	self.cancel()
}
