// Package coordinator is the coordination service brokers register with.
// It is a single raft node whose state is replicated through a go-memdb
// FSM, plus a serf agent brokers join to announce themselves.
package coordinator

import (
	"context"
	"os"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/coordinator/fsm"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/thatguystone/kafkalocal/log"
)

var (
	// ErrNotLeader is returned by writes issued while raft has no leadership.
	ErrNotLeader = errors.New("coordinator: not the leader")
	// ErrShutdown is returned by operations on a stopped server.
	ErrShutdown = errors.New("coordinator: shut down")
)

// Server is the coordination service.
type Server struct {
	config *Config
	logger log.Logger
	tracer opentracing.Tracer

	// componentsLock guards fsm and serf for readers outside Run; they are
	// set once by start.
	componentsLock sync.RWMutex
	fsm            *fsm.FSM
	serf           *serf.Serf

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	raftNotifyCh  <-chan bool

	eventCh     chan serf.Event
	reconcileCh chan serf.Member

	tagsLock   sync.Mutex
	clusterID  string
	controller int32

	readyCh   chan struct{}
	readyOnce sync.Once
	errCh     chan error

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

// New returns a server that does nothing until Run is called.
func New(config *Config, logger log.Logger, tracer opentracing.Tracer) *Server {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Server{
		config:      config,
		logger:      logger.With(log.Component("coordinator")),
		tracer:      tracer,
		eventCh:     make(chan serf.Event, 256),
		reconcileCh: make(chan serf.Member, 32),
		controller:  -1,
		readyCh:     make(chan struct{}),
		errCh:       make(chan error, 1),
		shutdownCh:  make(chan struct{}),
	}
}

// Run starts raft and serf and blocks until ctx is done, Shutdown is
// called or the service fails. A failure is returned after the server has
// been shut down; an orderly stop returns nil.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		s.Shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case <-s.shutdownCh:
		return nil
	case err := <-s.errCh:
		s.logger.Error("coordination service failed", log.Error("error", err))
		s.Shutdown()
		return err
	}
}

// start holds shutdownLock so a concurrent Shutdown sees either nothing
// or every component start created.
func (s *Server) start() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	for _, k := range s.config.Unknown {
		s.logger.Debug("ignoring unknown property", log.String("key", k))
	}

	if err := os.MkdirAll(s.config.DataDir, 0755); err != nil {
		return errors.Wrap(err, "coordinator: create data dir")
	}

	f, err := fsm.New(s.logger, s.tracer)
	if err != nil {
		return errors.Wrap(err, "coordinator: create fsm")
	}
	s.componentsLock.Lock()
	s.fsm = f
	s.componentsLock.Unlock()
	if err := s.setupRaft(); err != nil {
		return errors.Wrap(err, "coordinator: start raft")
	}
	agent, err := s.setupSerf()
	if err != nil {
		return errors.Wrap(err, "coordinator: start serf")
	}
	s.componentsLock.Lock()
	s.serf = agent
	s.componentsLock.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.lanEventHandler()
	}()
	go func() {
		defer s.wg.Done()
		s.monitorLeadership()
	}()

	s.logger.Info("coordination service started",
		log.String("data dir", s.config.DataDir),
		log.String("client addr", s.config.ClientHostPort()),
		log.String("raft addr", s.config.RaftHostPort()),
	)
	return nil
}

// Ready is closed once the service has a leader and a cluster id and is
// registering members.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() {
		s.logger.Info("coordination service ready", log.String("cluster id", s.ClusterID()))
		close(s.readyCh)
	})
}

// fail hands err to Run. Only the first failure is kept.
func (s *Server) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Addr is the address brokers join.
func (s *Server) Addr() string {
	return s.config.ClientHostPort()
}

func (s *Server) components() (*fsm.FSM, *serf.Serf) {
	s.componentsLock.RLock()
	defer s.componentsLock.RUnlock()
	return s.fsm, s.serf
}

// ClusterID returns the cluster id, or "" before the first leader stored it.
func (s *Server) ClusterID() string {
	f, _ := s.components()
	if f == nil {
		return ""
	}
	id, _, err := f.State().GetMeta(structs.ClusterIDKey)
	if err != nil {
		s.logger.Error("cluster id lookup failed", log.Error("error", err))
		return ""
	}
	return id
}

// Brokers returns the registered brokers ordered by id.
func (s *Server) Brokers() ([]*structs.Broker, error) {
	f, _ := s.components()
	if f == nil {
		return nil, ErrShutdown
	}
	_, brokers, err := f.State().GetBrokers()
	return brokers, err
}

// Controller returns the id of the controller broker, or -1.
func (s *Server) Controller() int32 {
	f, _ := s.components()
	if f == nil {
		return -1
	}
	id, err := f.State().Controller()
	if err != nil {
		return -1
	}
	return id
}

// Members returns the serf members the coordinator knows about.
func (s *Server) Members() []serf.Member {
	_, agent := s.components()
	if agent == nil {
		return nil
	}
	return agent.Members()
}

func (s *Server) isLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// Shutdown stops serf and raft. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.logger.Info("shutting down coordination service")
	s.shutdown = true
	close(s.shutdownCh)

	var result error
	if s.serf != nil {
		if err := s.serf.Shutdown(); err != nil {
			result = errors.Wrap(err, "coordinator: serf shutdown")
		}
	}
	if s.raft != nil {
		s.raftTransport.Close()
		if err := s.raft.Shutdown().Error(); err != nil && result == nil {
			result = errors.Wrap(err, "coordinator: raft shutdown")
		}
	}
	if s.raftStore != nil {
		s.raftStore.Close()
	}
	s.wg.Wait()
	return result
}
