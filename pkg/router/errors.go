package router

import "errors"

var (
	ErrInstanceNotFound = errors.New("router: instance never existed")
	ErrInstanceStopped  = errors.New("router: instance stopped")
	ErrInstanceExists   = errors.New("router: instance already registered")
	ErrUnknownPeer      = errors.New("router: unknown peer")
	ErrPeerUnreachable  = errors.New("router: peer unreachable")
	ErrInvalidPeer      = errors.New("router: invalid peer update")

	// ErrRemote marks errors reported by the peer itself, as opposed to
	// failures to reach it. `Forwarder`s MUST wrap them with it.
	ErrRemote = errors.New("router: peer reported a failure")
)
