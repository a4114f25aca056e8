package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this during teardown so that a producer blocked on a full channel (a
// capture callback, a transport read loop) can observe its own shutdown and
// exit instead of leaking.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
