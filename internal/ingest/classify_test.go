package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const station = "11111111-1111-1111-1111-111111111111"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		topic    string
		size     int
		wantErr  error
	}{
		{name: "data topic", identity: station, topic: "stations/" + station + "/data", size: 40},
		{name: "at ceiling", identity: station, topic: "stations/" + station + "/data", size: MaxPayloadSize},
		{name: "over ceiling", identity: station, topic: "stations/" + station + "/data", size: MaxPayloadSize + 1, wantErr: ErrPayloadTooLarge},
		{name: "status subtopic", identity: station, topic: "stations/" + station + "/status", size: 4, wantErr: ErrTopic},
		{name: "other station", identity: station, topic: "stations/22222222-2222-2222-2222-222222222222/data", size: 4, wantErr: ErrTopic},
		{name: "extra level", identity: station, topic: "stations/" + station + "/data/x", size: 4, wantErr: ErrTopic},
		{name: "wrong root", identity: station, topic: "devices/" + station + "/data", size: 4, wantErr: ErrTopic},
		{name: "short identity", identity: "abc", topic: "stations/abc/data", size: 4, wantErr: ErrTopic},
		{name: "empty", identity: "", topic: "", size: 0, wantErr: ErrTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Classify(tt.identity, tt.topic, tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, MessageUnknown, kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, MessageData, kind)
		})
	}
}

func TestIdentityFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{topic: "stations/" + station + "/data", want: station, wantOK: true},
		{topic: "stations/abc/status/x", want: "abc", wantOK: true},
		{topic: "stations//data"},
		{topic: "stations/abc"},
		{topic: "other/abc/data"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := IdentityFromTopic(tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewMessageTask_CopiesInputs(t *testing.T) {
	payload := []byte{1, 2, 3}
	idBuf := []byte(station)
	id := string(idBuf)

	task := NewMessageTask(id, DataTopic(id), payload, MessageData)
	payload[0] = 9

	assert.Equal(t, []byte{1, 2, 3}, task.Payload)
	assert.Equal(t, station, task.StationID)
	assert.True(t, strings.HasSuffix(task.Topic, "/data"))
	assert.Equal(t, MessageData, task.Kind)

	empty := NewMessageTask(id, DataTopic(id), nil, MessageData)
	assert.NotNil(t, empty.Payload)
	assert.Empty(t, empty.Payload)
}

func TestDataJob(t *testing.T) {
	task := NewMessageTask(station, DataTopic(station), nil, MessageData)
	job := DataJob(task)
	assert.Equal(t, KindData, job.Kind)
	assert.Same(t, task, job.Message)
	assert.Equal(t, "data", job.Kind.String())
}
