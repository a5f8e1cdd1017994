package schema

const (
	StreamProgress    = "progress"
	StreamInvocations = "invocations"
	StreamAnswers     = "answers"
	StreamErrors      = "errors"
)

// ObserverStreams are the streams mirrored to read-only observers while a
// turn is running.
var ObserverStreams = []string{
	StreamProgress,
	StreamInvocations,
	StreamAnswers,
	StreamErrors,
}

// StreamOrdering returns "fifo" or "lifo" for a given stream.
func StreamOrdering(stream string) string {
	if stream == StreamInvocations || stream == StreamProgress {
		return "fifo"
	}
	return "lifo"
}
