package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when nobody consumes a streaming channel, such as the synthesised
// audio of a live session with playback disabled.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
