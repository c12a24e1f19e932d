package collab

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestMessageCodec(t *testing.T) {
	annotationId := NewId()

	b, err := EncodeMessage(&AnnotationAdd{
		AnnotationId: annotationId,
		SurfaceId:    "chart-0",
		Position:     Position{X: 15, Y: 42},
		Text:         "needs review",
	})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	annotationAdd, ok := message.(*AnnotationAdd)
	assert.Equal(t, ok, true)
	assert.Equal(t, annotationAdd.AnnotationId, annotationId)
	assert.Equal(t, annotationAdd.SurfaceId, "chart-0")
	assert.Equal(t, annotationAdd.Position, Position{X: 15, Y: 42})
	assert.Equal(t, annotationAdd.Text, "needs review")
}

func TestSnapshotCodec(t *testing.T) {
	b, err := EncodeMessage(&SessionSnapshot{
		Collaborators: map[string]*Collaborator{
			"u1": {
				Id:          "u1",
				DisplayName: "User One",
				Color:       ParticipantColor("u1"),
				LastCursor: &Cursor{
					Position:  Position{X: 1, Y: 2},
					SurfaceId: "chart-0",
				},
			},
		},
		Annotations:   []*Annotation{},
		VoiceComments: []*VoiceComment{},
	})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	snapshot, ok := message.(*SessionSnapshot)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(snapshot.Collaborators), 1)
	assert.Equal(t, snapshot.Collaborators["u1"].LastCursor.SurfaceId, "chart-0")
	assert.Equal(t, snapshot.FollowMode, nil)
}

func TestEmptyPayload(t *testing.T) {
	b, err := EncodeMessage(&FollowStop{})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	_, ok := message.(*FollowStop)
	assert.Equal(t, ok, true)
}

func TestUnknownMessage(t *testing.T) {
	type notWire struct{}
	_, err := EncodeMessage(&notWire{})
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`{"type":"no-such-type","payload":{}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}
