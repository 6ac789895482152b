// Copyright 2024-2026 Aiku AI

// Package bridge implements the synchronization engine between Matrix
// rooms and Signal conversations: the dispatcher, the per-portal state
// machines with their serialized pipelines, the puppet registry, the
// backfill engine and the retry manager. The Signal protocol lives behind
// signal.Session and the homeserver behind MatrixAPI; the engine only
// correlates the two.
package bridge

import (
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// Config holds the engine policy knobs. Zero values are replaced with
// defaults by PostProcess.
type Config struct {
	// Domain is the homeserver domain ghost MXIDs live on.
	Domain string `yaml:"domain"`
	// UserPrefix is the localpart prefix of ghost users.
	UserPrefix          string `yaml:"username_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	// PortalQueueSize bounds each portal's event queue. The dispatcher
	// blocks when a queue is full.
	PortalQueueSize int `yaml:"portal_queue_size"`
	// Workers bounds handler concurrency across all portals.
	Workers int `yaml:"workers"`

	// DeferralWindow bounds how long an edit, reaction or deletion whose
	// target mapping has not been written yet is kept before being
	// dropped.
	DeferralWindow time.Duration `yaml:"deferral_window"`

	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	// ProfileRefreshWindow suppresses repeated puppet profile updates for
	// the same identity within the window.
	ProfileRefreshWindow time.Duration `yaml:"profile_refresh_window"`

	BackfillEnabled  bool `yaml:"backfill_enabled"`
	BackfillPageSize int  `yaml:"backfill_page_size"`
	BackfillMaxCount int  `yaml:"backfill_max_count"`

	TypingTimeout time.Duration `yaml:"typing_timeout"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// UnmarshalYAML decodes the config, accepting duration strings like
// "90s" for the window and backoff knobs.
func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Domain               string `yaml:"domain"`
		UserPrefix           string `yaml:"username_prefix"`
		DisplaynameTemplate  string `yaml:"displayname_template"`
		PortalQueueSize      int    `yaml:"portal_queue_size"`
		Workers              int    `yaml:"workers"`
		DeferralWindow       string `yaml:"deferral_window"`
		RetryBackoffBase     string `yaml:"retry_backoff_base"`
		RetryBackoffCap      string `yaml:"retry_backoff_cap"`
		RetryMaxAttempts     int    `yaml:"retry_max_attempts"`
		ProfileRefreshWindow string `yaml:"profile_refresh_window"`
		BackfillEnabled      bool   `yaml:"backfill_enabled"`
		BackfillPageSize     int    `yaml:"backfill_page_size"`
		BackfillMaxCount     int    `yaml:"backfill_max_count"`
		TypingTimeout        string `yaml:"typing_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	cfg.Domain = raw.Domain
	cfg.UserPrefix = raw.UserPrefix
	cfg.DisplaynameTemplate = raw.DisplaynameTemplate
	cfg.PortalQueueSize = raw.PortalQueueSize
	cfg.Workers = raw.Workers
	cfg.RetryMaxAttempts = raw.RetryMaxAttempts
	cfg.BackfillEnabled = raw.BackfillEnabled
	cfg.BackfillPageSize = raw.BackfillPageSize
	cfg.BackfillMaxCount = raw.BackfillMaxCount
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"deferral_window", raw.DeferralWindow, &cfg.DeferralWindow},
		{"retry_backoff_base", raw.RetryBackoffBase, &cfg.RetryBackoffBase},
		{"retry_backoff_cap", raw.RetryBackoffCap, &cfg.RetryBackoffCap},
		{"profile_refresh_window", raw.ProfileRefreshWindow, &cfg.ProfileRefreshWindow},
		{"typing_timeout", raw.TypingTimeout, &cfg.TypingTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// DisplaynameParams holds the parameters for rendering the displayname
// template.
type DisplaynameParams struct {
	Name   string
	Number string
	UUID   string
}

// PostProcess parses the displayname template and fills in defaults.
func (cfg *Config) PostProcess() error {
	if cfg.UserPrefix == "" {
		cfg.UserPrefix = "signal"
	}
	if cfg.DisplaynameTemplate == "" {
		cfg.DisplaynameTemplate = "{{.Name}} (Signal)"
	}
	if cfg.PortalQueueSize <= 0 {
		cfg.PortalQueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DeferralWindow <= 0 {
		cfg.DeferralWindow = 90 * time.Second
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 2 * time.Second
	}
	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = 5 * time.Minute
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 8
	}
	if cfg.ProfileRefreshWindow <= 0 {
		cfg.ProfileRefreshWindow = 12 * time.Hour
	}
	if cfg.BackfillPageSize <= 0 {
		cfg.BackfillPageSize = 50
	}
	if cfg.BackfillMaxCount <= 0 {
		cfg.BackfillMaxCount = 500
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 15 * time.Second
	}
	var err error
	cfg.displaynameTemplate, err = template.New("displayname").Parse(cfg.DisplaynameTemplate)
	return err
}

// FormatDisplayname renders the ghost display name. Name falls back to
// the phone number, then to the account UUID.
func (cfg *Config) FormatDisplayname(params DisplaynameParams) string {
	if params.Name == "" {
		params.Name = params.Number
	}
	if params.Name == "" {
		params.Name = params.UUID
	}
	if cfg.displaynameTemplate == nil {
		return params.Name
	}
	var buf []byte
	err := cfg.displaynameTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return params.Name
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// GhostMXID returns the Matrix user ID of the ghost impersonating a
// Signal account.
func (cfg *Config) GhostMXID(acct uuid.UUID) id.UserID {
	return id.NewUserID(signalid.GhostLocalpart(cfg.UserPrefix, acct), cfg.Domain)
}

// Bridge owns the engine: stores, registries, the dispatcher and the
// worker pool shared by all portal pipelines.
type Bridge struct {
	Log     zerolog.Logger
	Config  *Config
	DB      *store.Database
	Matrix  MatrixAPI
	Signal  *signal.Manager
	Metrics *Collector

	Puppets    *PuppetRegistry
	Dispatcher *Dispatcher
	Retry      *RetryManager

	// workers is the shared handler-concurrency semaphore. A portal loop
	// acquires a slot before running a handler and releases it after, so
	// total concurrency is bounded regardless of portal count.
	workers chan struct{}

	stop    context.CancelFunc
	stopped chan struct{}
}

// New wires an engine from its collaborators. Config must have been
// through PostProcess.
func New(log zerolog.Logger, cfg *Config, db *store.Database, matrix MatrixAPI, sm *signal.Manager, metrics *Collector) *Bridge {
	br := &Bridge{
		Log:     log,
		Config:  cfg,
		DB:      db,
		Matrix:  matrix,
		Signal:  sm,
		Metrics: metrics,
		workers: make(chan struct{}, cfg.Workers),
	}
	br.Puppets = NewPuppetRegistry(br)
	br.Dispatcher = NewDispatcher(br)
	br.Retry = NewRetryManager(br)
	return br
}

// Start loads existing portals, resumes pending retries and connects the
// session.
func (br *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	br.stop = cancel
	br.stopped = make(chan struct{})

	if err := br.Dispatcher.LoadPortals(ctx); err != nil {
		return fmt.Errorf("failed to load portals: %w", err)
	}
	if err := br.Retry.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume pending retries: %w", err)
	}
	go br.Retry.Run(runCtx)
	go func() {
		defer close(br.stopped)
		<-runCtx.Done()
	}()

	br.Signal.OnEvent(br.Dispatcher.RouteRemote)
	br.Signal.OnConnectionState(br.handleConnectionState)
	if err := br.Signal.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	br.Log.Info().Int("workers", br.Config.Workers).Msg("Bridge engine started")
	return nil
}

// Stop drains every portal queue and disconnects. In-flight handlers run
// to completion so mapping writes are never cut off mid-handler.
func (br *Bridge) Stop() {
	br.Signal.Stop()
	br.Dispatcher.Stop()
	if br.stop != nil {
		br.stop()
		<-br.stopped
	}
	br.Log.Info().Msg("Bridge engine stopped")
}

func (br *Bridge) handleConnectionState(state signal.ConnectionState) {
	br.Log.Info().Str("state", string(state)).Msg("Signal connection state changed")
	if br.Metrics != nil {
		br.Metrics.RecordConnectionState(state)
	}
	if state == signal.ConnectionUnlinked {
		br.Dispatcher.NotifyAll(context.Background(), "Signal device link lost, relink required")
	}
}
