package acktracker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTrack_ThenAcknowledge_Succeeds(t *testing.T) {
	tr := New()
	eventID, connID, userID := uuid.New(), uuid.New(), uuid.New()

	tr.Track(eventID, connID, userID, "tenant-a", time.Minute)
	assert.True(t, tr.IsPending(eventID))

	result := tr.Acknowledge(eventID, userID)
	assert.Equal(t, AckAcked, result.Outcome)
	assert.False(t, tr.IsPending(eventID))
}

func TestAcknowledge_UnknownEvent_ReturnsUnknown(t *testing.T) {
	tr := New()
	result := tr.Acknowledge(uuid.New(), uuid.New())
	assert.Equal(t, AckUnknown, result.Outcome)
}

func TestAcknowledge_IsIdempotent(t *testing.T) {
	tr := New()
	eventID, userID := uuid.New(), uuid.New()
	tr.Track(eventID, uuid.New(), userID, "", time.Minute)

	result := tr.Acknowledge(eventID, userID)
	assert.Equal(t, AckAcked, result.Outcome)

	result = tr.Acknowledge(eventID, userID)
	assert.Equal(t, AckUnknown, result.Outcome)
}

func TestAcknowledge_UserMismatch_DoesNotMutateTable(t *testing.T) {
	tr := New()
	eventID, owner, impostor := uuid.New(), uuid.New(), uuid.New()
	tr.Track(eventID, uuid.New(), owner, "tenant-a", time.Minute)

	result := tr.Acknowledge(eventID, impostor)
	assert.Equal(t, AckUserMismatch, result.Outcome)
	assert.True(t, tr.IsPending(eventID))

	result = tr.Acknowledge(eventID, owner)
	assert.Equal(t, AckAcked, result.Outcome)
}

func TestAcknowledge_PastDeadline_ReturnsExpired(t *testing.T) {
	tr := New()
	eventID, userID := uuid.New(), uuid.New()
	tr.Track(eventID, uuid.New(), userID, "", -time.Second)

	result := tr.Acknowledge(eventID, userID)
	assert.Equal(t, AckExpired, result.Outcome)
	assert.False(t, tr.IsPending(eventID))
}

func TestCleanupExpired_OnlyRemovesPastDeadline(t *testing.T) {
	tr := New()
	expired := uuid.New()
	fresh := uuid.New()

	tr.Track(expired, uuid.New(), uuid.New(), "", -time.Second)
	tr.Track(fresh, uuid.New(), uuid.New(), "", time.Hour)

	gone := tr.CleanupExpired(time.Now())
	assert.Len(t, gone, 1)
	assert.Equal(t, expired, gone[0].EventID)
	assert.True(t, tr.IsPending(fresh))
	assert.False(t, tr.IsPending(expired))
}

func TestStats_ReflectsAckedAndExpiredCounts(t *testing.T) {
	tr := New()
	a, b := uuid.New(), uuid.New()
	userA := uuid.New()
	tr.Track(a, uuid.New(), userA, "", time.Minute)
	tr.Track(b, uuid.New(), uuid.New(), "", -time.Second)

	tr.Acknowledge(a, userA)
	tr.CleanupExpired(time.Now())

	s := tr.Stats()
	assert.EqualValues(t, 1, s.AckedTotal)
	assert.EqualValues(t, 1, s.ExpiredTotal)
	assert.Equal(t, 0, s.Outstanding)
	assert.InDelta(t, 0.5, s.AckRate, 0.001)
}
