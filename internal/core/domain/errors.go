package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrRemoteStream        = errors.New("operation not valid on a remote stream")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrSessionLeft         = errors.New("session already left")
	ErrAlreadyStarted      = errors.New("coordinator already started")
	ErrNotStarted          = errors.New("coordinator not started")
	ErrStopped             = errors.New("coordinator stopped")

	ErrMemberNotFound = errors.New("member not found")
	ErrNotStreamOwner = errors.New("stream owned by another participant")
)
