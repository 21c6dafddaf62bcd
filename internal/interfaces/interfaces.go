// Package interfaces holds the narrow cross-package interfaces shared by
// the multiplexer's internal packages. They live here, separate from the
// root package, to avoid circular imports between root and internal/*.
package interfaces

// Logger is the optional structured logger every internal package takes.
// A nil Logger field means "don't log" — packages must guard on it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives metrics events from the request engine and recovery
// controller. Implementations must be safe for concurrent use: although
// the server loop is single-threaded, the reference IPC transport used in
// tests delivers driver replies from their own goroutines.
type Observer interface {
	ObserveGrantMint(direction string)
	ObserveGrantRevoke()
	ObserveSuspend()
	ObserveRevive()
	ObserveCancel()
	ObserveIO(op string, bytes uint64, latencyNs uint64, status int32)
	ObserveDriverDown(major uint8)
	ObserveDriverUp(major uint8)
}
