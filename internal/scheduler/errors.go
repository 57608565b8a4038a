package scheduler

// closedError signals the scheduler loop has shut down.
type closedError struct{}

func (closedError) Error() string { return "scheduler is shut down" }

// IsClosed reports whether err indicates a stopped scheduler.
func IsClosed(err error) bool {
	_, ok := err.(closedError)
	return ok
}
