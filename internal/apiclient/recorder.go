package apiclient

// Recorder observes refresh, replay and termination events.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// RefreshCompleted is called once per refresh exchange or short-circuited
	// failure with "success" or a RefreshReason.
	RefreshCompleted(outcome string)
	RequestReplayed()
	SessionTerminated()
}

type nopRecorder struct{}

func (nopRecorder) RefreshCompleted(string) {}
func (nopRecorder) RequestReplayed()        {}
func (nopRecorder) SessionTerminated()      {}
