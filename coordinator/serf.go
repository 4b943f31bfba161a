package coordinator

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/serf/serf"
	"github.com/thatguystone/kafkalocal/log"
	"github.com/thatguystone/kafkalocal/metadata"
)

const serfSnapshot = "serf/local.snapshot"

func (s *Server) setupSerf() (*serf.Serf, error) {
	conf := s.config.SerfLANConfig
	conf.Init()
	conf.NodeName = s.config.NodeName
	for k, v := range metadata.CoordinatorTags(s.config.RaftHostPort(), "", -1) {
		conf.Tags[k] = v
	}
	conf.EventCh = s.eventCh
	conf.SnapshotPath = filepath.Join(s.config.DataDir, serfSnapshot)
	if err := os.MkdirAll(filepath.Dir(conf.SnapshotPath), 0755); err != nil {
		return nil, err
	}

	logOutput := log.StdWriter(s.logger.With(log.Component("serf")))
	conf.LogOutput = logOutput
	conf.MemberlistConfig.LogOutput = logOutput
	conf.MemberlistConfig.BindAddr = s.config.ClientAddr
	conf.MemberlistConfig.BindPort = s.config.ClientPort
	conf.MemberlistConfig.AdvertiseAddr = s.config.advertiseIP().String()
	conf.MemberlistConfig.AdvertisePort = s.config.ClientPort

	return serf.Create(conf)
}

func (s *Server) lanEventHandler() {
	for {
		select {
		case e := <-s.eventCh:
			switch e.EventType() {
			case serf.EventMemberJoin, serf.EventMemberUpdate,
				serf.EventMemberLeave, serf.EventMemberFailed:
				s.localMemberEvent(e.(serf.MemberEvent), false)
			case serf.EventMemberReap:
				s.localMemberEvent(e.(serf.MemberEvent), true)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// localMemberEvent hands broker membership changes to the leader loop.
func (s *Server) localMemberEvent(me serf.MemberEvent, reap bool) {
	if !s.isLeader() {
		return
	}
	for _, m := range me.Members {
		if _, ok := metadata.IsBroker(m); !ok {
			continue
		}
		if reap {
			m.Status = StatusReap
		}
		select {
		case s.reconcileCh <- m:
		default:
			s.logger.Debug("reconcile queue full", log.String("member", m.Name))
		}
	}
}
