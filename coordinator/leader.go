package coordinator

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/thatguystone/kafkalocal/log"
	"github.com/thatguystone/kafkalocal/metadata"
)

const (
	barrierWriteTimeout = 2 * time.Minute
	raftApplyTimeout    = 30 * time.Second
	raftLogCacheSize    = 512
	raftState           = "raft"
)

// StatusReap marks members serf has reaped.
const StatusReap = serf.MemberStatus(-1)

// setupRaft is used to setup and initialize Raft.
func (s *Server) setupRaft() (err error) {
	// If we have an unclean exit then attempt to close the Raft store.
	defer func() {
		if s.raft == nil && s.raftStore != nil {
			if err := s.raftStore.Close(); err != nil {
				s.logger.Error("failed to close raft store", log.Error("error", err))
			}
			s.raftStore = nil
		}
		if s.raft == nil && s.raftTransport != nil {
			s.raftTransport.Close()
		}
	}()

	logOutput := log.StdWriter(s.logger.With(log.Component("raft")))

	advertise := &net.TCPAddr{IP: s.config.advertiseIP(), Port: s.config.QuorumPort}
	trans, err := raft.NewTCPTransport(s.config.RaftHostPort(), advertise, 3, 10*time.Second, logOutput)
	if err != nil {
		return err
	}
	s.raftTransport = trans

	conf := s.config.RaftConfig
	conf.LocalID = raft.ServerID(s.config.NodeName)
	conf.HeartbeatTimeout = s.config.TickTime
	conf.ElectionTimeout = s.config.TickTime
	conf.LeaderLeaseTimeout = s.config.TickTime / 2
	conf.SnapshotThreshold = uint64(s.config.SnapCount)
	conf.LogOutput = logOutput

	path := filepath.Join(s.config.DataDir, raftState)
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	// create the backend raft store for logs and stable storage.
	store, err := raftboltdb.NewBoltStore(filepath.Join(path, "raft.db"))
	if err != nil {
		return err
	}
	s.raftStore = store

	logStore, err := raft.NewLogCache(raftLogCacheSize, store)
	if err != nil {
		return err
	}

	snaps, err := raft.NewFileSnapshotStore(path, s.config.SnapRetainCount, logOutput)
	if err != nil {
		return err
	}

	hasState, err := raft.HasExistingState(logStore, store, snaps)
	if err != nil {
		return err
	}
	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      conf.LocalID,
					Address: trans.LocalAddr(),
				},
			},
		}
		if err := raft.BootstrapCluster(conf, logStore, store, snaps, trans, configuration); err != nil {
			return err
		}
	}

	// setup up a channel for reliable leader notifications.
	raftNotifyCh := make(chan bool, 1)
	conf.NotifyCh = raftNotifyCh
	s.raftNotifyCh = raftNotifyCh

	s.raft, err = raft.NewRaft(conf, s.fsm, logStore, store, snaps, trans)
	return err
}

func (s *Server) monitorLeadership() {
	var weAreLeaderCh chan struct{}
	var leaderLoop sync.WaitGroup
	defer leaderLoop.Wait()
	for {
		select {
		case isLeader := <-s.raftNotifyCh:
			switch {
			case isLeader:
				if weAreLeaderCh != nil {
					s.logger.Error("attempted to start the leader loop while running")
					continue
				}
				weAreLeaderCh = make(chan struct{})
				leaderLoop.Add(1)
				go func(ch chan struct{}) {
					defer leaderLoop.Done()
					s.leaderLoop(ch)
				}(weAreLeaderCh)
				s.logger.Info("cluster leadership acquired")

			default:
				if weAreLeaderCh == nil {
					s.logger.Error("attempted to stop the leader loop while not running")
					continue
				}
				close(weAreLeaderCh)
				leaderLoop.Wait()
				weAreLeaderCh = nil
				s.logger.Info("cluster leadership lost")
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// leaderLoop runs as long as we are the leader to run various maintenance activities.
func (s *Server) leaderLoop(stopCh chan struct{}) {
	var reconcileCh chan serf.Member
	establishedLeader := false

RECONCILE:
	reconcileCh = nil
	interval := time.After(s.config.ReconcileInterval)
	barrier := s.raft.Barrier(barrierWriteTimeout)
	if err := barrier.Error(); err != nil {
		s.logger.Error("failed to wait for barrier", log.Error("error", err))
		goto WAIT
	}

	if !establishedLeader {
		if err := s.establishLeadership(); err != nil {
			// Without a cluster id no broker can start.
			s.fail(errors.Wrap(err, "coordinator: establish leadership"))
			return
		}
		establishedLeader = true
		s.publishTags()
		s.markReady()
	}

	if err := s.reconcile(); err != nil {
		s.logger.Error("failed to reconcile", log.Error("error", err))
		goto WAIT
	}
	s.publishTags()

	reconcileCh = s.reconcileCh

WAIT:
	for {
		select {
		case <-stopCh:
			return
		case <-s.shutdownCh:
			return
		case <-interval:
			goto RECONCILE
		case member := <-reconcileCh:
			s.reconcileMember(member)
			s.publishTags()
		}
	}
}

// establishLeadership generates the cluster id the first time a leader is
// elected.
func (s *Server) establishLeadership() error {
	if s.ClusterID() != "" {
		return nil
	}
	u := uuid.NewV4()
	id := base64.RawURLEncoding.EncodeToString(u.Bytes())
	req := structs.SetMetaRequest{
		Meta: structs.Meta{Key: structs.ClusterIDKey, Value: id},
	}
	if _, err := s.raftApply(structs.SetMetaRequestType, &req); err != nil {
		return err
	}
	s.logger.Info("generated cluster id", log.String("cluster id", id))
	return nil
}

// publishTags advertises the cluster id and controller to serf members
// when either changed.
func (s *Server) publishTags() {
	clusterID := s.ClusterID()
	controller := s.Controller()

	s.tagsLock.Lock()
	defer s.tagsLock.Unlock()
	if clusterID == s.clusterID && controller == s.controller {
		return
	}
	tags := metadata.CoordinatorTags(s.config.RaftHostPort(), clusterID, controller)
	if err := s.serf.SetTags(tags); err != nil {
		s.logger.Error("failed to publish tags", log.Error("error", err))
		return
	}
	if controller != s.controller {
		s.logger.Info("controller changed", log.Int32("controller", controller))
	}
	s.clusterID, s.controller = clusterID, controller
}

// reconcile is used to reconcile the differences between serf membership
// and what is reflected in the strongly consistent store.
func (s *Server) reconcile() error {
	known := make(map[int32]struct{})
	for _, member := range s.Members() {
		if err := s.reconcileMember(member); err != nil {
			return err
		}
		if meta, ok := metadata.IsBroker(member); ok {
			known[meta.ID.Int32()] = struct{}{}
		}
	}
	return s.reconcileReaped(known)
}

func (s *Server) reconcileReaped(known map[int32]struct{}) error {
	_, brokers, err := s.fsm.State().GetBrokers()
	if err != nil {
		return err
	}
	for _, b := range brokers {
		if _, ok := known[b.ID]; ok {
			continue
		}
		member := serf.Member{
			Name:   b.Node,
			Tags:   metadata.BrokerTags(b.ID, b.Addr),
			Status: StatusReap,
		}
		if err := s.reconcileMember(member); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) reconcileMember(m serf.Member) error {
	meta, ok := metadata.IsBroker(m)
	if !ok {
		return nil
	}
	var err error
	switch m.Status {
	case serf.StatusAlive:
		err = s.ensureBroker(meta, structs.BrokerAlive)
	case serf.StatusFailed:
		err = s.ensureBroker(meta, structs.BrokerFailed)
	case serf.StatusLeft:
		err = s.ensureBroker(meta, structs.BrokerLeft)
	case StatusReap:
		err = s.deregisterBroker(meta)
	}
	if err != nil {
		s.logger.Error("failed to reconcile member", log.String("member", m.Name), log.Error("error", err))
	}
	return err
}

func (s *Server) ensureBroker(meta *metadata.Broker, status structs.BrokerStatus) error {
	_, existing, err := s.fsm.State().GetBroker(meta.ID.Int32())
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == status && existing.Addr == meta.BrokerAddr && existing.Node == meta.Name {
		return nil
	}
	if existing != nil && existing.Node != meta.Name && existing.Status == structs.BrokerAlive {
		s.logger.Error("broker id registered by another node",
			log.Int32("id", meta.ID.Int32()),
			log.String("registered", existing.Node),
			log.String("member", meta.Name),
		)
	}

	s.logger.Info("updating broker registration",
		log.Int32("id", meta.ID.Int32()),
		log.String("addr", meta.BrokerAddr),
		log.String("status", string(status)),
	)
	req := structs.RegisterBrokerRequest{
		Broker: structs.Broker{
			ID:     meta.ID.Int32(),
			Node:   meta.Name,
			Addr:   meta.BrokerAddr,
			Status: status,
		},
	}
	_, err = s.raftApply(structs.RegisterBrokerRequestType, &req)
	return err
}

func (s *Server) deregisterBroker(meta *metadata.Broker) error {
	_, existing, err := s.fsm.State().GetBroker(meta.ID.Int32())
	if err != nil || existing == nil {
		return err
	}
	s.logger.Info("deregistering broker", log.Int32("id", meta.ID.Int32()))
	_, err = s.raftApply(structs.DeregisterBrokerRequestType, &structs.DeregisterBrokerRequest{ID: meta.ID.Int32()})
	return err
}

func (s *Server) raftApply(t structs.MessageType, msg interface{}) (interface{}, error) {
	if !s.isLeader() {
		return nil, ErrNotLeader
	}
	buf, err := structs.Encode(t, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %v", err)
	}
	future := s.raft.Apply(buf, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}
