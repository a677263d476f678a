package realtime

import "errors"

var (
	ErrAlreadyConnected = errors.New("channel is already connected")
	ErrConnectFailed    = errors.New("connection attempt failed")
)
