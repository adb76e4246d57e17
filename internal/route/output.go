package route

// OutputChannel picks the destination channel for agent output. With a
// single pending turn the turn's own channel wins, which is what lets a
// follow-up posted in a thread receive its reply in the thread. With
// several turns in flight the instance default wins so interleaved
// replies don't land in the wrong thread.
func OutputChannel(defaultChannel, pendingChannel string, pendingDepth int) string {
	if pendingDepth > 1 {
		if defaultChannel != "" {
			return defaultChannel
		}
		return pendingChannel
	}
	if pendingChannel != "" {
		return pendingChannel
	}
	return defaultChannel
}
