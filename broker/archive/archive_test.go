package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
)

func newRecord(id string) log.Record {
	return log.Record{
		Ballot: ballot.Ballot{
			BallotID:      id,
			CandidateID:   "C1",
			StationID:     "S1",
			Timestamp:     time.Now(),
			IntegrityHash: []byte{1},
		},
		Priority:  0,
		State:     log.Sent,
		UpdatedAt: time.Now(),
	}
}

func TestWALArchiveStoreSucceeds(t *testing.T) {
	a, err := OpenWAL(filepath.Join(t.TempDir(), "archive"))
	assert.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.Store(newRecord("a")))
	assert.NoError(t, a.Store(newRecord("b")))
}

func TestWALArchiveReopenPreservesLSN(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	a, err := OpenWAL(dir)
	assert.NoError(t, err)
	assert.NoError(t, a.Store(newRecord("a")))
	assert.NoError(t, a.Close())

	reopened, err := OpenWAL(dir)
	assert.NoError(t, err)
	defer reopened.Close()
	assert.NoError(t, reopened.Store(newRecord("b")), "writes after reopen must continue from the replayed LSN")
}
