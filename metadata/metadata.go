// Package metadata maps serf members to the coordinator and broker nodes
// they represent. Nodes describe themselves through serf tags.
package metadata

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/serf/serf"
)

const (
	RoleCoordinator = "coordinator"
	RoleBroker      = "broker"

	tagRole       = "role"
	tagID         = "id"
	tagRaftAddr   = "raft_addr"
	tagBrokerAddr = "broker_addr"
	tagClusterID  = "cluster_id"
	tagController = "controller"
)

type NodeID int32

func (n NodeID) Int32() int32 {
	return int32(n)
}

func (n NodeID) String() string {
	return fmt.Sprintf("%d", n)
}

// Broker is a broker as seen through its serf member.
type Broker struct {
	ID         NodeID
	Name       string
	Status     serf.MemberStatus
	BrokerAddr string
}

// Coordinator is the coordination service as seen through its serf member.
type Coordinator struct {
	Name      string
	Status    serf.MemberStatus
	RaftAddr  string
	ClusterID string
	// Controller is -1 until a broker has registered.
	Controller NodeID
}

// BrokerTags returns the tags a broker advertises.
func BrokerTags(id int32, brokerAddr string) map[string]string {
	return map[string]string{
		tagRole:       RoleBroker,
		tagID:         strconv.Itoa(int(id)),
		tagBrokerAddr: brokerAddr,
	}
}

// CoordinatorTags returns the tags the coordinator advertises. Empty cluster
// ids and negative controllers are left out.
func CoordinatorTags(raftAddr, clusterID string, controller int32) map[string]string {
	tags := map[string]string{
		tagRole:     RoleCoordinator,
		tagRaftAddr: raftAddr,
	}
	if clusterID != "" {
		tags[tagClusterID] = clusterID
	}
	if controller >= 0 {
		tags[tagController] = strconv.Itoa(int(controller))
	}
	return tags
}

// IsBroker checks if the given serf.Member is a broker, building and returning Broker instance from the Member's tags if so.
func IsBroker(m serf.Member) (*Broker, bool) {
	if m.Tags[tagRole] != RoleBroker {
		return nil, false
	}
	id, err := strconv.ParseInt(m.Tags[tagID], 10, 32)
	if err != nil || id < 0 {
		return nil, false
	}
	return &Broker{
		ID:         NodeID(id),
		Name:       m.Name,
		Status:     m.Status,
		BrokerAddr: m.Tags[tagBrokerAddr],
	}, true
}

// IsCoordinator checks if the given serf.Member is the coordination service.
func IsCoordinator(m serf.Member) (*Coordinator, bool) {
	if m.Tags[tagRole] != RoleCoordinator {
		return nil, false
	}
	c := &Coordinator{
		Name:       m.Name,
		Status:     m.Status,
		RaftAddr:   m.Tags[tagRaftAddr],
		ClusterID:  m.Tags[tagClusterID],
		Controller: -1,
	}
	if v, ok := m.Tags[tagController]; ok {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, false
		}
		c.Controller = NodeID(id)
	}
	return c, true
}
