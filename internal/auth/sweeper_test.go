package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemail/tidemail/tests/testutil"
)

func TestSweeperRemovesExpiredSessions(t *testing.T) {
	verifier := &fakeVerifier{user: "user@example.com", pass: "hunter2"}
	m, s := newTestManager(t, verifier)

	res := login(t, m, "user@example.com", "hunter2")
	testutil.SeedSession(t, s, "stale-jti", res.User.ID, res.User.PasswordEpoch, time.Now().Add(-time.Hour))

	sweeper := NewSweeper(m, time.Hour, quietLogger())
	sweeper.Start()
	sweeper.Stop()

	// The initial sweep runs before Stop returns.
	_, err := s.GetSession(context.Background(), "stale-jti")
	require.Error(t, err)

	// The live session survives.
	_, err = s.GetSession(context.Background(), res.JTI)
	assert.NoError(t, err)
}
