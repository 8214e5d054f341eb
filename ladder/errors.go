package ladder

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("invalid ladder game")
	ErrClaimConflict = errors.New("claim conflict")
)

var (
	ErrTooFewParticipants  = fmt.Errorf("%w: at least %d participants are required", ErrValidation, MinParticipants)
	ErrTooManyParticipants = fmt.Errorf("%w: at most %d participants are allowed", ErrValidation, MaxParticipants)
	ErrResultCount         = fmt.Errorf("%w: result count must match participant count", ErrValidation)
	ErrEmptyResult         = fmt.Errorf("%w: results must not be empty", ErrValidation)
	ErrResultTooLong       = fmt.Errorf("%w: results must be at most %d characters", ErrValidation, MaxResultLength)
	ErrMalformedBoard      = fmt.Errorf("%w: malformed board", ErrValidation)

	ErrAlreadyClaimed    = fmt.Errorf("%w: column already claimed", ErrClaimConflict)
	ErrClaimantHasColumn = fmt.Errorf("%w: claimant already holds a column", ErrClaimConflict)

	ErrColumnOutOfRange = errors.New("column out of range")
	ErrGameStarted      = errors.New("game already started")
	ErrNotReady         = errors.New("not every column has been claimed")
	ErrEmptyClaimant    = errors.New("missing claimant id")
)
