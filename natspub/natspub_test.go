package natspub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cepro/meterlogger/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{name: "default", subject: defaultSubject, want: "meterlogger.readings.abc"},
		{name: "fixed", subject: "meters.all", want: "meters.all"},
		{name: "prefix", subject: "{uuid}.readings", want: "abc.readings"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := New(Options{Subject: test.subject})
			assert.Equal(t, test.want, p.Subject("abc"))
		})
	}
}

func TestNewMessage(t *testing.T) {
	t0 := time.UnixMilli(1700000000000)
	msg := newMessage("abc", []telemetry.Reading{
		telemetry.New(t0, 1),
		telemetry.NewTagged(t0.Add(time.Second), 2, "power"),
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"abc","readings":[
		{"timestamp":1700000000000,"value":1},
		{"timestamp":1700000001000,"value":2,"tag":"power"}]}`, string(data))
}

func TestDeliver_Unreachable(t *testing.T) {
	p, err := NewFromOptions(map[string]any{"url": "nats://127.0.0.1:1", "timeout": "200ms"})
	require.NoError(t, err)

	err = p.Deliver(context.Background(), "abc", []telemetry.Reading{telemetry.New(time.Now(), 1)})
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}
