package ferry

type ApplicationStatus int

const (
	ApplicationStatusIdle ApplicationStatus = iota
	ApplicationStatusFailed
	ApplicationStatusStarting
	ApplicationStatusConnecting
	ApplicationStatusConnected
	ApplicationStatusReady
	ApplicationStatusStopping
	ApplicationStatusStopped
)

func (status ApplicationStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Starting",
		"Connecting",
		"Connected",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}

type ShardStatus int

const (
	ShardStatusIdle ShardStatus = iota
	ShardStatusFailed
	ShardStatusConnecting
	ShardStatusAwaitingHello
	ShardStatusIdentifying
	ShardStatusResuming
	ShardStatusConnected
	ShardStatusReady
	ShardStatusStopping
	ShardStatusStopped
)

func (status ShardStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Connecting",
		"AwaitingHello",
		"Identifying",
		"Resuming",
		"Connected",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}
