package sync

import "errors"

var (
	// ErrWatermarkRegression is returned when a watermark update would move it backwards.
	ErrWatermarkRegression = errors.New("watermark regression")
	// ErrSendTimeRegression is returned when a local send time is earlier than the last one.
	ErrSendTimeRegression = errors.New("local send time regression")
	// ErrStopped is returned by Engine methods after the engine has stopped.
	ErrStopped = errors.New("sync engine stopped")
)
