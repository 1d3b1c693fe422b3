package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTargets() []*PrinterTarget {
	return []*PrinterTarget{
		{Name: "front-desk", Kind: TransportLocal, Address: "127.0.0.1", Port: 9100},
		{Name: "warehouse", Kind: TransportMqttRelay, Broker: "broker:8883", Topic: "prn-wh"},
	}
}

func TestCreateJobDefaults(t *testing.T) {
	d := NewDispatcher(testTargets(), nil, nil, DispatcherConfig{})

	job, err := d.CreateJob([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.True(t, job.CutAfter)
	assert.Equal(t, 1, job.Copies)
	assert.Equal(t, "front-desk", job.TargetPrinter)
	assert.Equal(t, []byte("ticket"), job.Payload)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestCreateJobUniqueIDs(t *testing.T) {
	d := NewDispatcher(testTargets(), nil, nil, DispatcherConfig{})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		job, err := d.CreateJob([]byte("ticket"), "front-desk", JobOptions{})
		require.NoError(t, err)
		require.False(t, seen[job.ID], "duplicate job id %s", job.ID)
		seen[job.ID] = true
	}
}

func TestCreateJobEmptyPayload(t *testing.T) {
	d := NewDispatcher(testTargets(), nil, nil, DispatcherConfig{})

	job, err := d.CreateJob(nil, "front-desk", JobOptions{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Nil(t, job)

	job, err = d.CreateJob([]byte{}, "front-desk", JobOptions{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Nil(t, job)
}

func TestCreateJobInvalidTarget(t *testing.T) {
	d := NewDispatcher(testTargets(), nil, nil, DispatcherConfig{})

	job, err := d.CreateJob([]byte("ticket"), "no-such-printer", JobOptions{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Nil(t, job)
}

func TestCreateJobOptions(t *testing.T) {
	d := NewDispatcher(testTargets(), nil, nil, DispatcherConfig{})

	noCut := false
	job, err := d.CreateJob([]byte("ticket"), "warehouse", JobOptions{CutAfter: &noCut, Copies: 3})
	require.NoError(t, err)
	assert.False(t, job.CutAfter)
	assert.Equal(t, 3, job.Copies)

	_, err = d.CreateJob([]byte("ticket"), "warehouse", JobOptions{Copies: -1})
	assert.ErrorIs(t, err, ErrInvalidCopies)
}
