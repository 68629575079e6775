package outbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
)

func newBallot(id string) ballot.Ballot {
	return ballot.Ballot{
		BallotID:      id,
		CandidateID:   "C1",
		StationID:     "S1",
		Timestamp:     time.Now(),
		IntegrityHash: []byte{1, 2, 3},
	}
}

func TestAppendThenScanUnconfirmed(t *testing.T) {
	o, err := Open(filepath.Join(t.TempDir(), "outbox"))
	assert.NoError(t, err)
	defer o.Close()

	b := newBallot(ballot.NewID())
	assert.NoError(t, o.Append(b, "V1"))

	pending := o.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, ballot.Pending, pending[0].State)
}

func TestMarkSentThenConfirmedTransitions(t *testing.T) {
	o, err := Open(filepath.Join(t.TempDir(), "outbox"))
	assert.NoError(t, err)
	defer o.Close()

	b := newBallot(ballot.NewID())
	assert.NoError(t, o.Append(b, "V1"))
	assert.NoError(t, o.MarkSent(b.BallotID))
	assert.NoError(t, o.MarkConfirmed(b.BallotID))
	assert.Empty(t, o.ScanUnconfirmed())
}

func TestMarkSentIsForwardOnly(t *testing.T) {
	o, err := Open(filepath.Join(t.TempDir(), "outbox"))
	assert.NoError(t, err)
	defer o.Close()

	b := newBallot(ballot.NewID())
	assert.NoError(t, o.Append(b, "V1"))
	assert.NoError(t, o.MarkConfirmed(b.BallotID))
	// a late "sent" arriving after confirmed must not regress the state
	assert.NoError(t, o.MarkSent(b.BallotID))
	assert.Empty(t, o.ScanUnconfirmed())
}

func TestIncrementAttemptsPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	o, err := Open(dir)
	assert.NoError(t, err)

	b := newBallot(ballot.NewID())
	assert.NoError(t, o.Append(b, "V1"))
	n, err := o.IncrementAttempts(b.BallotID)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = o.IncrementAttempts(b.BallotID)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, o.Close())

	reopened, err := Open(dir)
	assert.NoError(t, err)
	defer reopened.Close()
	pending := reopened.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts, "attempt count must survive a restart so backoff resumes at the right stage")
}

func TestIncrementAttemptsOnUnknownBallotErrors(t *testing.T) {
	o, err := Open(filepath.Join(t.TempDir(), "outbox"))
	assert.NoError(t, err)
	defer o.Close()
	_, err = o.IncrementAttempts("nope")
	assert.Error(t, err)
}

func TestReopenReplaysIndexFromLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	o, err := Open(dir)
	assert.NoError(t, err)

	b := newBallot(ballot.NewID())
	assert.NoError(t, o.Append(b, "V7"))
	assert.NoError(t, o.MarkSent(b.BallotID))
	assert.NoError(t, o.Close())

	reopened, err := Open(dir)
	assert.NoError(t, err)
	defer reopened.Close()

	voterIDs := reopened.VoterIDs()
	assert.Contains(t, voterIDs, "V7")
	pending := reopened.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, ballot.Sent, pending[0].State)
}
