package router

// Status is the result class of routing one event. Failures are reported as
// errors, never as a Status.
type Status string

const (
	StatusHandled    Status = "handled"
	StatusFiltered   Status = "filtered"
	StatusUnroutable Status = "unroutable"
)

type Outcome struct {
	Status Status
	// Reason explains a filtered outcome.
	Reason string
	// Jobs lists the names of jobs the handler ran, in start order.
	Jobs []string
}

func Handled(jobs ...string) Outcome {
	return Outcome{Status: StatusHandled, Jobs: jobs}
}

func Filtered(reason string) Outcome {
	return Outcome{Status: StatusFiltered, Reason: reason}
}

func Unroutable() Outcome {
	return Outcome{Status: StatusUnroutable}
}
