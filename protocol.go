package collab

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// wire protocol for the collaboration session. Every frame on the
// transport is one `Envelope`: a message type tag plus a json payload.
// The relay re-broadcasts client intents as their inbound counterparts
// (`cursor-move` -> `cursor-update`, `annotation-add` -> `annotation-added`)
// with the authoritative fields (sender id, server time) filled in.

var wireJson = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageType string

const (
	// handshake
	MessageTypeHandshake    MessageType = "handshake"
	MessageTypeHandshakeAck MessageType = "handshake-ack"

	// client -> relay
	MessageTypeJoin             MessageType = "join"
	MessageTypeCursorMove       MessageType = "cursor-move"
	MessageTypeAnnotationAdd    MessageType = "annotation-add"
	MessageTypeAnnotationUpdate MessageType = "annotation-update"
	MessageTypeAnnotationRemove MessageType = "annotation-remove"
	MessageTypeVoiceAdd         MessageType = "voice-add"
	MessageTypeFollowStart      MessageType = "follow-start"
	MessageTypeFollowStop       MessageType = "follow-stop"

	// relay -> client
	MessageTypeSessionSnapshot    MessageType = "session-snapshot"
	MessageTypeCollaboratorJoined MessageType = "collaborator-joined"
	MessageTypeCollaboratorLeft   MessageType = "collaborator-left"
	MessageTypeCursorUpdate       MessageType = "cursor-update"
	MessageTypeAnnotationAdded    MessageType = "annotation-added"
	MessageTypeAnnotationUpdated  MessageType = "annotation-updated"
	MessageTypeAnnotationRemoved  MessageType = "annotation-removed"
	MessageTypeVoiceAdded         MessageType = "voice-added"
	MessageTypeFollowStarted      MessageType = "follow-started"
	MessageTypeFollowStopped      MessageType = "follow-stopped"
	MessageTypeError              MessageType = "error"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// handshake

type Handshake struct {
	DocumentId string `json:"documentId"`
	Bearer     string `json:"bearer"`
}

type HandshakeAck struct {
	DocumentId string `json:"documentId"`
}

// client -> relay

type Join struct {
	DocumentId  string      `json:"documentId"`
	Participant Participant `json:"participant"`
}

type CursorMove struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	SurfaceId string  `json:"surfaceId"`
}

type AnnotationAdd struct {
	AnnotationId Id       `json:"annotationId"`
	SurfaceId    string   `json:"surfaceId"`
	Position     Position `json:"position"`
	Text         string   `json:"text"`
}

type AnnotationUpdate struct {
	AnnotationId Id     `json:"annotationId"`
	Text         string `json:"text"`
}

type AnnotationRemove struct {
	AnnotationId Id `json:"annotationId"`
}

type VoiceAdd struct {
	VoiceCommentId Id       `json:"voiceCommentId"`
	SurfaceId      string   `json:"surfaceId"`
	Position       Position `json:"position"`
	AudioRef       string   `json:"audioRef"`
	DurationMillis int64    `json:"durationMs"`
}

type FollowStart struct {
	LeaderId string `json:"leaderId"`
}

type FollowStop struct {
}

// relay -> client

type SessionSnapshot struct {
	Collaborators map[string]*Collaborator `json:"collaborators"`
	Annotations   []*Annotation            `json:"annotations"`
	VoiceComments []*VoiceComment          `json:"voiceComments"`
	FollowMode    *FollowRelationship      `json:"followMode,omitempty"`
}

type CollaboratorJoined struct {
	Collaborator Collaborator `json:"collaborator"`
}

type CollaboratorLeft struct {
	CollaboratorId string `json:"id"`
}

type CursorUpdate struct {
	CollaboratorId string  `json:"id"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	SurfaceId      string  `json:"surfaceId"`
}

type AnnotationAdded struct {
	Annotation Annotation `json:"annotation"`
}

type AnnotationUpdated struct {
	AnnotationId Id     `json:"annotationId"`
	Text         string `json:"text"`
	AuthorId     string `json:"authorId"`
}

type AnnotationRemoved struct {
	AnnotationId Id `json:"annotationId"`
}

type VoiceAdded struct {
	VoiceComment VoiceComment `json:"voiceComment"`
}

// `FollowerId` is set by the relay so that peers can track who follows
// whom. When `FollowerId` equals the local participant id, the message
// is the confirmation of a local `follow-start` intent.
type FollowStarted struct {
	FollowerId string `json:"followerId"`
	LeaderId   string `json:"leaderId"`
}

type FollowStopped struct {
	FollowerId string `json:"followerId"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Collaborator struct {
	Id            string  `json:"id"`
	DisplayName   string  `json:"displayName"`
	Color         string  `json:"color"`
	LastCursor    *Cursor `json:"lastCursor,omitempty"`
	IsFollowingId string  `json:"isFollowingId,omitempty"`
}

type Cursor struct {
	Position  Position `json:"position"`
	SurfaceId string   `json:"surfaceId"`
}

type Annotation struct {
	Id        Id        `json:"id"`
	SurfaceId string    `json:"surfaceId"`
	Position  Position  `json:"position"`
	Text      string    `json:"text"`
	AuthorId  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// immutable once created
type VoiceComment struct {
	Id             Id        `json:"id"`
	SurfaceId      string    `json:"surfaceId"`
	Position       Position  `json:"position"`
	AudioRef       string    `json:"audioRef"`
	DurationMillis int64     `json:"durationMs"`
	AuthorId       string    `json:"authorId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// directed follower -> leader edge. At most one per follower.
type FollowRelationship struct {
	FollowerId string `json:"followerId"`
	LeaderId   string `json:"leaderId"`
}

func MessageTypeOf(message any) (MessageType, error) {
	switch v := message.(type) {
	case *Handshake:
		return MessageTypeHandshake, nil
	case *HandshakeAck:
		return MessageTypeHandshakeAck, nil
	case *Join:
		return MessageTypeJoin, nil
	case *CursorMove:
		return MessageTypeCursorMove, nil
	case *AnnotationAdd:
		return MessageTypeAnnotationAdd, nil
	case *AnnotationUpdate:
		return MessageTypeAnnotationUpdate, nil
	case *AnnotationRemove:
		return MessageTypeAnnotationRemove, nil
	case *VoiceAdd:
		return MessageTypeVoiceAdd, nil
	case *FollowStart:
		return MessageTypeFollowStart, nil
	case *FollowStop:
		return MessageTypeFollowStop, nil
	case *SessionSnapshot:
		return MessageTypeSessionSnapshot, nil
	case *CollaboratorJoined:
		return MessageTypeCollaboratorJoined, nil
	case *CollaboratorLeft:
		return MessageTypeCollaboratorLeft, nil
	case *CursorUpdate:
		return MessageTypeCursorUpdate, nil
	case *AnnotationAdded:
		return MessageTypeAnnotationAdded, nil
	case *AnnotationUpdated:
		return MessageTypeAnnotationUpdated, nil
	case *AnnotationRemoved:
		return MessageTypeAnnotationRemoved, nil
	case *VoiceAdded:
		return MessageTypeVoiceAdded, nil
	case *FollowStarted:
		return MessageTypeFollowStarted, nil
	case *FollowStopped:
		return MessageTypeFollowStopped, nil
	case *ErrorMessage:
		return MessageTypeError, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

func ToEnvelope(message any) (*Envelope, error) {
	messageType, err := MessageTypeOf(message)
	if err != nil {
		return nil, err
	}
	payload, err := wireJson.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    messageType,
		Payload: payload,
	}, nil
}

func FromEnvelope(envelope *Envelope) (any, error) {
	var message any
	switch envelope.Type {
	case MessageTypeHandshake:
		message = &Handshake{}
	case MessageTypeHandshakeAck:
		message = &HandshakeAck{}
	case MessageTypeJoin:
		message = &Join{}
	case MessageTypeCursorMove:
		message = &CursorMove{}
	case MessageTypeAnnotationAdd:
		message = &AnnotationAdd{}
	case MessageTypeAnnotationUpdate:
		message = &AnnotationUpdate{}
	case MessageTypeAnnotationRemove:
		message = &AnnotationRemove{}
	case MessageTypeVoiceAdd:
		message = &VoiceAdd{}
	case MessageTypeFollowStart:
		message = &FollowStart{}
	case MessageTypeFollowStop:
		message = &FollowStop{}
	case MessageTypeSessionSnapshot:
		message = &SessionSnapshot{}
	case MessageTypeCollaboratorJoined:
		message = &CollaboratorJoined{}
	case MessageTypeCollaboratorLeft:
		message = &CollaboratorLeft{}
	case MessageTypeCursorUpdate:
		message = &CursorUpdate{}
	case MessageTypeAnnotationAdded:
		message = &AnnotationAdded{}
	case MessageTypeAnnotationUpdated:
		message = &AnnotationUpdated{}
	case MessageTypeAnnotationRemoved:
		message = &AnnotationRemoved{}
	case MessageTypeVoiceAdded:
		message = &VoiceAdded{}
	case MessageTypeFollowStarted:
		message = &FollowStarted{}
	case MessageTypeFollowStopped:
		message = &FollowStopped{}
	case MessageTypeError:
		message = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", envelope.Type)
	}
	if len(envelope.Payload) != 0 {
		if err := wireJson.Unmarshal(envelope.Payload, message); err != nil {
			return nil, err
		}
	}
	return message, nil
}

func EncodeMessage(message any) ([]byte, error) {
	envelope, err := ToEnvelope(message)
	if err != nil {
		return nil, err
	}
	return wireJson.Marshal(envelope)
}

func DecodeMessage(b []byte) (any, error) {
	envelope := &Envelope{}
	if err := wireJson.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	return FromEnvelope(envelope)
}
