package domain

import "errors"

var (
	ErrNotFound            = errors.New("circle_not_found")
	ErrInvalidID           = errors.New("invalid_id")
	ErrMemberNotFound      = errors.New("member_not_found")
	ErrCycleNotFound       = errors.New("cycle_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCapacity     = errors.New("invalid_capacity")
	ErrInvalidStatus       = errors.New("invalid_status_transition")
	ErrCircleFull          = errors.New("circle_full")
	ErrTermsLocked         = errors.New("terms_locked")
	ErrRecipientLocked     = errors.New("recipient_locked")
	ErrRecipientUnresolved = errors.New("recipient_unresolved")
	ErrMissingStartDate    = errors.New("missing_start_date")
	ErrRankingIncomplete   = errors.New("ranking_incomplete")
	ErrStaleVersion        = errors.New("stale_version")
)
