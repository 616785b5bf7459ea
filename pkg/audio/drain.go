package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer that would otherwise block on a channel
// nobody consumes any more, e.g. a session event stream after teardown.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
