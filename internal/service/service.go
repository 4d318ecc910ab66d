package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lnfeetuner/internal/alerting"
	"lnfeetuner/internal/config"
	"lnfeetuner/internal/decisionlog"
	"lnfeetuner/internal/emitter"
	"lnfeetuner/internal/ema"
	"lnfeetuner/internal/lnd"
	"lnfeetuner/internal/policy"
	"lnfeetuner/internal/roles"
	"lnfeetuner/internal/rules"
	"lnfeetuner/internal/scheduler"
	"lnfeetuner/internal/state"
	"lnfeetuner/internal/storage"
	"lnfeetuner/internal/telemetry"
)

// Mode selects how much of the cycle is allowed to take effect.
type Mode string

const (
	// ModeApply runs the full cycle: state, config file, decision log.
	ModeApply Mode = "apply"
	// ModeObserve updates EMAs, roles and risk scores but never moves fees.
	ModeObserve Mode = "observe"
	// ModeDryRun computes and logs decisions without persisting anything.
	ModeDryRun Mode = "dry-run"
)

// NodeClient is the read surface of the LND node the cycle consumes.
type NodeClient interface {
	ListChannels(ctx context.Context) ([]lnd.Channel, error)
	ForwardingHistory(ctx context.Context, start, end time.Time) ([]lnd.ForwardingEvent, error)
	HtlcFailures(ctx context.Context, since time.Time) (map[string]int, error)
}

// Service orchestrates one fee cycle: fetch, score, decide, persist, emit.
type Service struct {
	cfg        *config.Config
	sched      *scheduler.Scheduler
	client     NodeClient
	states     *state.Store
	runLock    *state.RunLock
	tracker    *ema.Tracker
	classifier *roles.Classifier
	pipeline   *rules.Pipeline
	policy     *policy.Engine
	writer     *emitter.Writer
	decisions  *decisionlog.Log
	samples    storage.SampleStore
	archive    storage.DecisionStore
	locker     storage.AdvisoryLocker
	notifier   alerting.Notifier
	logger     zerolog.Logger

	mode    Mode
	lockKey int64
}

// Deps bundles the collaborators so the constructor stays readable.
type Deps struct {
	Client    NodeClient
	States    *state.Store
	RunLock   *state.RunLock
	Writer    *emitter.Writer
	Decisions *decisionlog.Log
	Samples   storage.SampleStore
	Archive   storage.DecisionStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Scheduler *scheduler.Scheduler
}

// New constructs the fee tuning service.
func New(cfg *config.Config, deps Deps, mode Mode, logger zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		sched:      deps.Scheduler,
		client:     deps.Client,
		states:     deps.States,
		runLock:    deps.RunLock,
		tracker:    ema.NewTracker(cfg.Alpha),
		classifier: roles.NewClassifier(cfg.Thresholds, cfg.Alpha),
		pipeline:   rules.NewPipeline(logger),
		policy:     policy.NewEngine(cfg, logger),
		writer:     deps.Writer,
		decisions:  deps.Decisions,
		samples:    deps.Samples,
		archive:    deps.Archive,
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		mode:       mode,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the scheduled cycle loop.
func (s *Service) Run(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.sched.Run(ctx, s.ProcessCycle)
}

// RunOnce executes a single cycle immediately.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.ProcessCycle(ctx, time.Now().UTC().Truncate(time.Minute))
}

// ProcessCycle runs one full cycle under both the local run lock and, when a
// database is configured, the postgres advisory lock.
func (s *Service) ProcessCycle(ctx context.Context, bucket time.Time) error {
	release, err := s.runLock.Acquire()
	if err != nil {
		if errors.Is(err, state.ErrLockHeld) {
			s.logger.Warn().Time("bucket", bucket).Msg("skip cycle: run lock held by another process")
			return nil
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()

	unlock, proceed, err := s.acquireAdvisoryLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle: advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, bucket)
}

func (s *Service) executeCycle(ctx context.Context, bucket time.Time) error {
	snapshot, err := s.states.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	window := s.cfg.Scheduler.Interval
	since := snapshot.UpdatedAt
	if since.IsZero() || bucket.Sub(since) > 24*time.Hour {
		since = bucket.Add(-window)
	}

	channels, err := s.client.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	forwards, err := s.client.ForwardingHistory(ctx, since, bucket)
	if err != nil {
		return fmt.Errorf("forwarding history: %w", err)
	}

	// Best-effort: a missing log tail must not abort the cycle.
	htlcFails, err := s.client.HtlcFailures(ctx, since)
	if err != nil {
		s.logger.Warn().Err(err).Msg("htlc failure scan failed, assuming none")
		htlcFails = nil
	}

	peers := s.groupChannels(channels)
	chanToSection := make(map[string]string)
	for section, group := range peers {
		for _, view := range group.views {
			if view.ChanID != "" {
				chanToSection[view.ChanID] = section
			}
		}
	}

	stats := telemetry.Aggregate(lnd.Forwards(forwards), chanToSection)

	var (
		stanzas []emitter.Stanza
		records []decisionlog.Record
		changes []alerting.FeeChange
		held    int
	)

	for section, group := range peers {
		cs := snapshot.Channel(section)
		cs.NodeID = group.pubkey
		if group.alias != "" {
			cs.Alias = group.alias
		}

		ps := stats[section]
		if ps == nil {
			ps = &telemetry.PeerStats{}
		}

		dec, rec := s.processChannel(cs, group, ps, htlcFails, bucket)
		records = append(records, rec)
		if cs.Inactive {
			continue
		}

		stanzas = append(stanzas, emitter.StanzaFor(cs, dec.MinOutboundPPM, dec.Frozen))
		if dec.Changed() {
			changes = append(changes, alerting.FeeChange{
				Section:        section,
				Rule:           dec.Rule,
				OldOutboundPPM: dec.OldOutboundPPM,
				NewOutboundPPM: dec.NewOutboundPPM,
				OldInboundPPM:  dec.OldInboundPPM,
				NewInboundPPM:  dec.NewInboundPPM,
				Frozen:         dec.Frozen,
			})
		} else {
			held++
		}

		if s.mode != ModeDryRun {
			s.archiveChannel(ctx, cs, ps, dec, rec, bucket)
		}
	}

	snapshot.UpdatedAt = bucket

	if s.mode != ModeDryRun {
		if err := s.states.Save(snapshot); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		if err := s.writer.Write(stanzas, bucket); err != nil {
			return fmt.Errorf("write charge-lnd config: %w", err)
		}
		s.pruneArchive(ctx, bucket)
	}

	if err := s.decisions.Append(records); err != nil {
		s.logger.Error().Err(err).Msg("failed to append decision log")
	}

	s.logger.Info().Time("bucket", bucket).
		Str("mode", string(s.mode)).
		Int("channels", len(peers)).
		Int("changed", len(changes)).
		Int("held", held).
		Msg("cycle complete")

	s.notify(ctx, bucket, changes, held)
	return nil
}

// peerGroup is one peer's channels as reported by the node this cycle.
type peerGroup struct {
	pubkey string
	alias  string
	views  []state.ChannelView
}

// groupChannels buckets the node's channels by peer. Configured sections keep
// their operator-chosen name; unknown peers get a short pubkey prefix so they
// are tracked from first contact.
func (s *Service) groupChannels(channels []lnd.Channel) map[string]*peerGroup {
	sectionByPubkey := make(map[string]string, len(s.cfg.Channels))
	for section, ch := range s.cfg.Channels {
		sectionByPubkey[ch.NodeID] = section
	}

	peers := make(map[string]*peerGroup)
	for _, ch := range channels {
		section, ok := sectionByPubkey[ch.RemotePubkey]
		if !ok {
			section = ch.RemotePubkey
			if len(section) > 12 {
				section = section[:12]
			}
		}
		group, ok := peers[section]
		if !ok {
			group = &peerGroup{pubkey: ch.RemotePubkey, alias: ch.PeerAlias}
			peers[section] = group
		}
		group.views = append(group.views, state.ChannelView{
			ChannelPoint: ch.ChannelPoint,
			ChanID:       strconv.FormatInt(ch.ChanID.Int64(), 10),
			CapacitySat:  ch.Capacity.Int64(),
			LocalSat:     ch.LocalBalance.Int64(),
			RemoteSat:    ch.RemoteBalance.Int64(),
			Active:       ch.Active,
		})
	}
	return peers
}

func (s *Service) processChannel(cs *state.ChannelState, group *peerGroup, ps *telemetry.PeerStats, htlcFails map[string]int, bucket time.Time) (policy.Decision, decisionlog.Record) {
	cs.ApplyChannelViews(group.views)
	cs.Inactive = cs.CapacitySat == 0
	cs.LastUpdated = bucket

	if cs.Inactive {
		return policy.Decision{}, decisionlog.Record{
			Timestamp: bucket,
			Mode:      string(s.mode),
			Decision: policy.Decision{
				Section:   cs.Section,
				NodeID:    cs.NodeID,
				Applied:   bucket,
				Rule:      "none",
				Direction: rules.Hold,
				Reason:    "all channels closed",
			},
			Role: string(cs.Role),
		}
	}

	s.applyFailureCounters(cs, group, ps, htlcFails)

	volume := float64(ps.VolumeOutSat)
	revenue := ps.RevenueSat()
	if revenue > 0 {
		cs.LastSuccessfulFee = cs.OutboundFeePPM
	}
	cs.LastDailyVolume = volume

	alphas := s.tracker.Update(cs, volume, revenue, bucket)
	s.classifier.Observe(cs, float64(ps.VolumeInSat), volume, bucket)
	s.updateSinkRatio(cs, ps)
	cs.SinkRiskScore = rules.SinkRiskScore(cs)

	sensitivity := rules.Sensitivity(cs, s.cfg.Thresholds, s.cfg.Alpha.RoleFlipDays, bucket)
	chCfg := s.cfg.Channels[cs.Section]

	ctx := &rules.Context{
		State:       cs,
		Channel:     chCfg,
		Params:      s.cfg,
		Now:         bucket,
		Volume:      volume,
		Revenue:     revenue,
		VolDelta:    cs.EmaVolume.Blend() - cs.PrevBlendedVolume,
		RevDelta:    cs.EmaRevenue.Blend() - cs.PrevBlendedRevenue,
		Sensitivity: sensitivity,
	}

	prop := s.pipeline.Evaluate(ctx)
	if s.mode == ModeObserve && !prop.FreezeOutbound {
		prop = rules.Proposal{Rule: prop.Rule, Direction: rules.Hold, ReportOnly: true,
			Reason: "observe mode: " + prop.Reason}
	}

	dec := s.policy.Apply(cs, chCfg, prop, bucket)
	s.updateMaxHtlc(cs)

	s.logger.Debug().Str("channel", cs.Section).
		Str("mode", string(alphas.Mode)).
		Float64("vol_delta", ctx.VolDelta).
		Float64("rev_delta", ctx.RevDelta).
		Float64("sensitivity", sensitivity).
		Float64("sink_risk", cs.SinkRiskScore).
		Msg("channel processed")

	rec := decisionlog.Record{
		Timestamp:      bucket,
		Mode:           string(s.mode),
		Decision:       dec,
		Volume:         volume,
		Revenue:        revenue,
		BlendedVolume:  cs.EmaVolume.Blend(),
		BlendedRevenue: cs.EmaRevenue.Blend(),
		Role:           string(cs.Role),
		BumpStreak:     cs.BumpStreak,
		SinkRiskScore:  cs.SinkRiskScore,
		Sensitivity:    sensitivity,
	}
	return dec, rec
}

// applyFailureCounters folds this cycle's failure telemetry into the state.
// Any successful forward clears both counters; htlc failures keyed by channel
// point are matched back to the peer through its channel list.
func (s *Service) applyFailureCounters(cs *state.ChannelState, group *peerGroup, ps *telemetry.PeerStats, htlcFails map[string]int) {
	if ps.VolumeOutSat > 0 {
		cs.ConsecutiveFailedHtlcs = 0
		cs.UpstreamForwardFailures = 0
	}

	for point, count := range htlcFails {
		for _, view := range group.views {
			if view.ChannelPoint == point {
				cs.ConsecutiveFailedHtlcs += count
			}
		}
	}
	cs.ConsecutiveFailedHtlcs += ps.HtlcFails
	cs.UpstreamForwardFailures += ps.ForwardFails
}

func (s *Service) updateSinkRatio(cs *state.ChannelState, ps *telemetry.PeerStats) {
	cs.PrevSinkRatio = cs.SinkRatio
	out := float64(ps.VolumeOutSat)
	in := float64(ps.VolumeInSat)
	if in+out > 0 {
		cs.SinkRatio = in / (in + out)
	}
}

// updateMaxHtlc caps the advertised HTLC size at the spendable local balance
// minus the reserve margin.
func (s *Service) updateMaxHtlc(cs *state.ChannelState) {
	reserve := int64(float64(cs.CapacitySat) * s.cfg.Htlc.ReserveDeduction)
	spendable := cs.LocalSat - reserve
	if spendable < 0 {
		spendable = 0
	}
	cs.MaxHtlcMsat = spendable * 1000
}

func (s *Service) archiveChannel(ctx context.Context, cs *state.ChannelState, ps *telemetry.PeerStats, dec policy.Decision, rec decisionlog.Record, bucket time.Time) {
	if s.samples != nil {
		sample := storage.ForwardingSample{
			Bucket:     bucket,
			Section:    cs.Section,
			VolumeSat:  decimal.NewFromInt(ps.VolumeOutSat),
			RevenueSat: decimal.NewFromFloat(ps.RevenueSat()),
			EmaVolume:  decimal.NewFromFloat(cs.EmaVolume.Blend()),
			EmaRevenue: decimal.NewFromFloat(cs.EmaRevenue.Blend()),
			Role:       string(cs.Role),
			Status:     "complete",
		}
		if err := s.samples.UpsertForwardingSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Str("channel", cs.Section).Msg("failed to archive sample")
		}
	}

	if s.archive != nil && dec.Changed() {
		record := storage.FeeDecisionRecord{
			Bucket:         bucket,
			Section:        cs.Section,
			Rule:           dec.Rule,
			Direction:      string(dec.Direction),
			OldOutboundPPM: dec.OldOutboundPPM,
			NewOutboundPPM: dec.NewOutboundPPM,
			OldInboundPPM:  dec.OldInboundPPM,
			NewInboundPPM:  dec.NewInboundPPM,
			SinkRiskScore:  decimal.NewFromFloat(cs.SinkRiskScore),
			Sensitivity:    decimal.NewFromFloat(rec.Sensitivity),
			Reason:         dec.Reason,
		}
		if dec.Gate != "" {
			gate := dec.Gate
			record.Gate = &gate
		}
		if _, err := s.archive.InsertFeeDecision(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("channel", cs.Section).Msg("failed to archive decision")
		}
	}
}

// pruneArchive trims decision rows past the configured retention window.
// Best-effort: an archive hiccup never fails the cycle.
func (s *Service) pruneArchive(ctx context.Context, bucket time.Time) {
	if s.archive == nil || s.cfg.Database.Retention <= 0 {
		return
	}
	cutoff := bucket.Add(-s.cfg.Database.Retention)
	if err := s.archive.DeleteDecisionsBefore(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune decision archive")
	}
}

func (s *Service) notify(ctx context.Context, bucket time.Time, changes []alerting.FeeChange, held int) {
	if !s.cfg.Alerting.Enabled || s.notifier == nil || len(changes) == 0 {
		return
	}
	note := alerting.Notification{
		Bucket:   bucket,
		Mode:     string(s.mode),
		Changes:  changes,
		Held:     held,
		Channels: s.cfg.Alerting.Channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch notification")
	}
}

func (s *Service) acquireAdvisoryLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
