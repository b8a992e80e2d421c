package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionStopped        = errors.New("session stopped")
	ErrNoDataChannel         = errors.New("no data channel available")
	ErrCredentialRequest     = errors.New("failed to get token")
	ErrInvalidCredential     = errors.New("invalid token response")
	ErrMicrophone            = errors.New("unable to access microphone")
	ErrNegotiation           = errors.New("session negotiation failed")
	ErrHandlerAlreadySet     = errors.New("handler already set")
	ErrNoEvent               = errors.New("no event provided")
)
