package sandwich

import "strconv"

// ShardStatus is the connection state of a shard.
type ShardStatus int32

const (
	ShardStatusDisconnected ShardStatus = iota
	ShardStatusConnecting
	ShardStatusAwaitingHello
	ShardStatusIdentifying
	ShardStatusResuming
	ShardStatusReady
	ShardStatusDegraded
	ShardStatusReconnecting
	ShardStatusStopped
)

var shardStatusNames = []string{
	"Disconnected",
	"Connecting",
	"AwaitingHello",
	"Identifying",
	"Resuming",
	"Ready",
	"Degraded",
	"Reconnecting",
	"Stopped",
}

func (status ShardStatus) String() string {
	if status < 0 || int(status) >= len(shardStatusNames) {
		return "ShardStatus(" + strconv.Itoa(int(status)) + ")"
	}

	return shardStatusNames[status]
}

func (status ShardStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}

// IsReady is true for the states dispatches are forwarded in.
func (status ShardStatus) IsReady() bool {
	return status == ShardStatusReady || status == ShardStatusDegraded
}

// ManagerStatus is the lifecycle state of a Manager.
type ManagerStatus int32

const (
	ManagerStatusIdle ManagerStatus = iota
	ManagerStatusStarting
	ManagerStatusRunning
	ManagerStatusStopping
	ManagerStatusStopped
	ManagerStatusFailed
)

var managerStatusNames = []string{
	"Idle",
	"Starting",
	"Running",
	"Stopping",
	"Stopped",
	"Failed",
}

func (status ManagerStatus) String() string {
	if status < 0 || int(status) >= len(managerStatusNames) {
		return "ManagerStatus(" + strconv.Itoa(int(status)) + ")"
	}

	return managerStatusNames[status]
}

func (status ManagerStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}
