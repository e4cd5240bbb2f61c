package jobmanager

import "errors"

// ErrUnknownChain is returned by Start when no JobBuilder is registered for
// the pool's configured coin/network pair (spec §9 Open Question: fail
// loudly at startup rather than risk a nil-builder panic mid-poll).
var ErrUnknownChain = errors.New("jobmanager: no JobBuilder registered for this coin/network")
