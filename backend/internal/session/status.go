package session

import (
	"errors"

	"collabEngine/backend/internal/crdt"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Reason 说明进入当前状态的原因，调用方据此决定重试、提示登录还是展示横幅。
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonConfigIncomplete     Reason = "config-incomplete"
	ReasonAuthenticationFailed Reason = "authentication-failed"
	ReasonUnauthorized         Reason = "unauthorized"
	ReasonTransientNetwork     Reason = "transient-network"
	ReasonMalformedRemoteDelta Reason = "malformed-remote-delta"
)

var (
	ErrConfigIncomplete     = errors.New("session: transport endpoint not configured")
	ErrAuthenticationFailed = errors.New("session: authentication rejected")
	ErrTransientNetwork     = errors.New("session: transient network failure")
)

type Status struct {
	State  State
	Reason Reason
	Err    error
}

func reasonFor(err error) Reason {
	if errors.Is(err, crdt.ErrMalformedDelta) {
		return ReasonMalformedRemoteDelta
	}
	return ReasonTransientNetwork
}
