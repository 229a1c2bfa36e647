// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap-incubator/timelock/server/config"
	"github.com/pingcap-incubator/timelock/server/delegate"
	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/pingcap-incubator/timelock/server/gateway"
	"github.com/pingcap-incubator/timelock/server/kv"
	"github.com/pingcap-incubator/timelock/server/lock"
	"github.com/pingcap-incubator/timelock/server/qos"
	"github.com/pingcap-incubator/timelock/server/timelock"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	paxosDataDir    = "paxos"
	shutdownTimeout = 3 * time.Second
)

// HandlerBuilder creates the HTTP handler serving a server.
type HandlerBuilder func(*Server) http.Handler

// Server is one timelock replica. It serves clients, peers and operators on
// the same listener.
type Server struct {
	// Server state.
	isServing int64

	cfg        *config.Config
	opt        *config.RuntimeOption
	apiBuilder HandlerBuilder

	serverLoopCtx    context.Context
	serverLoopCancel func()
	serverLoopWg     sync.WaitGroup

	storage    *kv.LeveldbKV
	member     *election.Member
	transports *delegate.Recreating[config.SecurityConfig, *election.HTTPTransport]
	service    *timelock.Reloading
	gateway    *gateway.Gateway
	watcher    *config.Watcher

	listener   net.Listener
	httpServer *http.Server

	// Zap logger
	lg       *zap.Logger
	logProps *log.ZapProperties
}

// CreateServer creates the UNINITIALIZED timelock server with given configuration.
func CreateServer(cfg *config.Config, apiBuilder HandlerBuilder) (*Server, error) {
	log.Info("Timelock Config", zap.Reflect("config", cfg))
	s := &Server{
		cfg:        cfg,
		opt:        config.NewRuntimeOption(cfg),
		apiBuilder: apiBuilder,
		lg:         cfg.GetZapLogger(),
		logProps:   cfg.GetZapLogProperties(),
	}
	s.watcher = config.NewWatcher(cfg, s.opt)
	return s, nil
}

func (s *Server) timing() election.Timing {
	p := s.opt.GetPaxos()
	return election.Timing{
		PingRate:               p.PingRate.Duration,
		RandomProposalDelay:    p.RandomProposalDelay.Duration,
		LeaderPingResponseWait: p.LeaderPingResponseWait.Duration,
	}
}

func (s *Server) lockOptions() lock.Options {
	l := s.opt.GetLock()
	return lock.Options{Lease: l.Lease.Duration, MaxAcquireTimeout: l.MaxAcquireTimeout.Duration}
}

func (s *Server) readBudget() qos.Budget {
	q := s.opt.GetQoS()
	return qos.Budget{BytesPerSecond: q.ReadBytesPerSecond, MaxSleep: q.MaxBackoffSleep.Duration}
}

func (s *Server) writeBudget() qos.Budget {
	q := s.opt.GetQoS()
	return qos.Budget{BytesPerSecond: q.WriteBytesPerSecond, MaxSleep: q.MaxBackoffSleep.Duration}
}

func buildTransport(sec config.SecurityConfig) (*election.HTTPTransport, error) {
	tlsConfig, err := sec.ToTLSConfig()
	if err != nil {
		return nil, err
	}
	return election.NewHTTPTransport(tlsConfig), nil
}

func (s *Server) startServer() error {
	replicas, err := s.cfg.Replicas()
	if err != nil {
		return err
	}
	var self election.Peer
	peers := make([]election.Peer, 0, len(replicas))
	for _, r := range replicas {
		p := election.Peer{ID: r.ID, Name: r.Name, URL: r.URL}
		if r.Name == s.cfg.Name {
			self = p
		}
		peers = append(peers, p)
	}

	path := filepath.Join(s.cfg.DataDir, paxosDataDir)
	if s.storage, err = kv.NewLeveldbKV(path); err != nil {
		return err
	}
	acceptor, err := election.NewAcceptor(self.ID, s.storage, s.timing)
	if err != nil {
		return err
	}

	security := delegate.NewDeltaSource(func() (config.SecurityConfig, bool) {
		return s.opt.GetSecurity(), true
	})
	s.transports, err = delegate.New("peer-transport", security, buildTransport, (*election.HTTPTransport).Close)
	if err != nil {
		return err
	}
	s.member = election.NewMember(self, peers, acceptor, func() election.Transport {
		return s.transports.Get()
	}, s.timing)

	builder := timelock.NewBuilder(s.member, s.lockOptions, func() int64 { return s.cfg.Timestamp.BoundStep })
	if s.service, err = timelock.NewReloading(s.member.Snapshot, builder); err != nil {
		return err
	}
	s.gateway = gateway.New(s.service, qos.NewLimiters(s.readBudget, s.writeBudget))

	log.Info("replica joined the cluster",
		zap.String("name", self.Name),
		zap.Uint64("replica-id", self.ID),
		zap.Int("replicas", len(peers)))
	return nil
}

func (s *Server) startHTTP() error {
	urls, err := config.ParseUrls(s.cfg.ClientUrls)
	if err != nil {
		return err
	}
	tlsConfig, err := s.cfg.Security.ToTLSConfig()
	if err != nil {
		return err
	}
	s.listener, err = listen(urls[0], tlsConfig)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s.apiBuilder(s)}
	s.serverLoopWg.Add(1)
	go func() {
		defer s.serverLoopWg.Done()
		err := s.httpServer.Serve(s.listener)
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", zap.Error(err))
		}
	}()
	log.Info("serving http", zap.String("url", urls[0].String()))
	return nil
}

func listen(u url.URL, tlsConfig *tls.Config) (net.Listener, error) {
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if tlsConfig != nil {
		return tls.NewListener(l, tlsConfig), nil
	}
	return l, nil
}

// Run runs the timelock server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.startServer(); err != nil {
		return err
	}
	s.startServerLoop(ctx)
	if err := s.startHTTP(); err != nil {
		s.stopServerLoop()
		return err
	}
	atomic.StoreInt64(&s.isServing, 1)
	return nil
}

func (s *Server) startServerLoop(ctx context.Context) {
	s.serverLoopCtx, s.serverLoopCancel = context.WithCancel(ctx)
	s.serverLoopWg.Add(3)
	go func() {
		defer s.serverLoopWg.Done()
		s.member.Run(s.serverLoopCtx)
	}()
	go func() {
		defer s.serverLoopWg.Done()
		s.service.Run(s.serverLoopCtx, func() time.Duration { return s.timing().PingRate })
	}()
	go func() {
		defer s.serverLoopWg.Done()
		s.watcher.Run(s.serverLoopCtx)
	}()
}

func (s *Server) stopServerLoop() {
	s.serverLoopCancel()
	s.serverLoopWg.Wait()
}

// Close closes the server.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt64(&s.isServing, 1, 0) {
		// server is already closed
		return
	}

	log.Info("closing server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown meet error", zap.Error(err))
		s.httpServer.Close()
	}
	cancel()

	s.stopServerLoop()
	s.service.Close()
	if t, _ := s.transports.Current(); t != nil {
		t.Close()
	}
	if err := s.storage.Close(); err != nil {
		log.Error("close storage meet error", zap.Error(err))
	}

	log.Info("close server")
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return atomic.LoadInt64(&s.isServing) == 0
}

// Context returns the loop context of server.
func (s *Server) Context() context.Context {
	return s.serverLoopCtx
}

// Name returns the replica name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// GetAddr returns the advertised client url.
func (s *Server) GetAddr() string {
	return s.cfg.AdvertiseClientUrls
}

// GetConfig gets the config information.
func (s *Server) GetConfig() *config.Config {
	cfg := s.cfg.Clone()
	rt := s.opt.Load()
	cfg.Paxos, cfg.QoS, cfg.Lock, cfg.Security = rt.Paxos, rt.QoS, rt.Lock, rt.Security
	return cfg
}

// GetRuntimeConfig returns the live configuration.
func (s *Server) GetRuntimeConfig() *config.RuntimeConfig {
	return s.opt.Load().Clone()
}

// SetRuntimeConfig validates and publishes a new live configuration.
func (s *Server) SetRuntimeConfig(cfg *config.RuntimeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := s.opt.Load()
	s.opt.Store(cfg.Clone())
	log.Info("runtime config is updated", zap.Reflect("new", cfg), zap.Reflect("old", old))
	return nil
}

// GetMember returns the election member of this replica.
func (s *Server) GetMember() *election.Member {
	return s.member
}

// GetGateway returns the admission gateway in front of the service.
func (s *Server) GetGateway() *gateway.Gateway {
	return s.gateway
}

// GetService returns the timelock service.
func (s *Server) GetService() timelock.Service {
	return s.service
}
