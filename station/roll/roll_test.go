package roll

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

func emptyScan() ([]string, error) { return nil, nil }

func TestAuthorizeNotOnRoll(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1", "V2"}, emptyScan)
	assert.NoError(t, err)
	assert.Equal(t, NotOnRoll, a.Authorize("V99"))
}

func TestAuthorizeFreshVoter(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1", "V2"}, emptyScan)
	assert.NoError(t, err)
	assert.Equal(t, Authorized, a.Authorize("V1"))
}

func TestMarkCastThenAuthorizeIsAlreadyVoted(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1"}, emptyScan)
	assert.NoError(t, err)
	a.MarkCast("V1")
	assert.Equal(t, AlreadyVoted, a.Authorize("V1"))
}

func TestNewAuthorizerRebuildsVotedSetFromScan(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1", "V2"}, func() ([]string, error) {
		return []string{"V1"}, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, AlreadyVoted, a.Authorize("V1"))
	assert.Equal(t, Authorized, a.Authorize("V2"))
}

func TestNewAuthorizerRefusesOnScanFailure(t *testing.T) {
	_, err := NewAuthorizer([]string{"V1"}, func() ([]string, error) {
		return nil, errors.New("disk error")
	})
	assert.ErrorIs(t, err, errs.ErrRollScanFailed)
}

func TestAuthorizeAndMarkPersistsOnce(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1"}, emptyScan)
	assert.NoError(t, err)

	persisted := 0
	decision, err := a.AuthorizeAndMark("V1", func() error {
		persisted++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, Authorized, decision)
	assert.Equal(t, 1, persisted)

	decision, err = a.AuthorizeAndMark("V1", func() error {
		persisted++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, AlreadyVoted, decision)
	assert.Equal(t, 1, persisted, "persist must not run a second time for an already-voted voterId")
}

func TestAuthorizeAndMarkLeavesVoterUnmarkedOnPersistFailure(t *testing.T) {
	a, err := NewAuthorizer([]string{"V1"}, emptyScan)
	assert.NoError(t, err)

	failure := errors.New("append failed")
	_, err = a.AuthorizeAndMark("V1", func() error { return failure })
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, Authorized, a.Authorize("V1"), "a failed persist must not mark the voter as voted")
}
