package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parley-labs/parley-core/internal/bus"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/eventstore"
	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/protocol"
)

// Service answers session bootstrap requests and runs one Worker per accepted
// session. Admission is capped by config.SessionConfig.MaxActive.
type Service struct {
	cfg      config.SessionConfig
	modelCfg config.ModelConfig
	bus      *bus.Client
	endpoint model.Endpoint
	store    *eventstore.Store
	logger   *slog.Logger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   atomic.Int64

	meter       metric.Meter
	started     metric.Int64Counter
	rejected    metric.Int64Counter
	activeGauge metric.Int64ObservableGauge
}

func NewService(parent context.Context, cfg config.SessionConfig, modelCfg config.ModelConfig, busClient *bus.Client, endpoint model.Endpoint, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		modelCfg: modelCfg,
		bus:      busClient,
		endpoint: endpoint,
		store:    store,
		logger:   logger.With(slog.String("component", "session")),
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/parley-labs/parley-core/session"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	started, err := s.meter.Int64Counter("parley.sessions.started", metric.WithDescription("Sessions accepted and started"))
	if err != nil {
		return err
	}
	rejected, err := s.meter.Int64Counter("parley.sessions.rejected", metric.WithDescription("Bootstrap requests rejected"))
	if err != nil {
		return err
	}
	gauge, err := s.meter.Int64ObservableGauge("parley.sessions.active", metric.WithDescription("Sessions currently running"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, s.active.Load())
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	s.started = started
	s.rejected = rejected
	s.activeGauge = gauge
	return nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionStart, s.handleStartRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

// Active reports the number of sessions currently running.
func (s *Service) Active() int {
	return int(s.active.Load())
}

func (s *Service) handleStartRequest(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode session start request", slogError(err))
		s.reply(msg, protocol.StartReply{Accepted: false, Reason: "malformed request"})
		return
	}
	if req.Channel == "" {
		s.reply(msg, protocol.StartReply{Accepted: false, Reason: "missing channel id"})
		return
	}

	// Admission before reply: the gauge must already count this session by
	// the time the client hears "accepted".
	if n := s.active.Add(1); s.cfg.MaxActive > 0 && n > int64(s.cfg.MaxActive) {
		s.active.Add(-1)
		if s.rejected != nil {
			s.rejected.Add(s.ctx, 1)
		}
		s.logger.Warn("session rejected, capacity reached", slog.String("channel", req.Channel))
		s.reply(msg, protocol.StartReply{Accepted: false, Reason: "session capacity reached"})
		return
	}

	ref := model.Ref{ModelID: s.modelCfg.DefaultModelID, Region: s.modelCfg.DefaultRegion}
	if req.Model.ModelID != "" {
		ref.ModelID = req.Model.ModelID
	}
	if req.Model.Region != "" {
		ref.Region = req.Model.Region
	}

	s.reply(msg, protocol.StartReply{Accepted: true})
	if s.started != nil {
		s.started.Add(s.ctx, 1, metric.WithAttributes(attribute.String("model", ref.ModelID)))
	}
	s.logger.Info("session accepted",
		slog.String("channel", req.Channel),
		slog.String("model", ref.ModelID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		worker := NewWorker(s.modelCfg, s.endpoint, s.bus, s.store, s.logger)
		if err := worker.Run(s.ctx, req.Channel, ref); err != nil {
			s.logger.Warn("session terminated with error",
				slog.String("channel", req.Channel), slogError(err))
		}
	}()
}

func (s *Service) reply(msg *nats.Msg, rep protocol.StartReply) {
	data, err := json.Marshal(rep)
	if err != nil {
		s.logger.Warn("failed to encode session start reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to session start request", slogError(err))
	}
}
