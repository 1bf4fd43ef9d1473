package channels

import "errors"

// ErrChannelNotFound is returned when a control action names a channel
// outside the working set.
var ErrChannelNotFound = errors.New("channel not found")

// ErrChannelOffline is returned when a control action targets a channel
// that is not live.
var ErrChannelOffline = errors.New("channel offline")
