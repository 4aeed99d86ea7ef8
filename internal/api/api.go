// Package api exposes the HuddlePipe HTTP endpoints and wires every component
// together in Run.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/BTreeMap/HuddlePipe/internal/calendar"
	"github.com/BTreeMap/HuddlePipe/internal/flow"
	"github.com/BTreeMap/HuddlePipe/internal/genai"
	"github.com/BTreeMap/HuddlePipe/internal/messaging"
	"github.com/BTreeMap/HuddlePipe/internal/miner"
	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/reaction"
	"github.com/BTreeMap/HuddlePipe/internal/recovery"
	"github.com/BTreeMap/HuddlePipe/internal/scheduler"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/timeparse"
	"github.com/BTreeMap/HuddlePipe/internal/topic"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

// Defaults for Run.
const (
	DefaultServerAddress = ":8080"
	DefaultPollInterval  = 2 * time.Second
	shutdownTimeout      = 10 * time.Second
	readHeaderTimeout    = 10 * time.Second
)

// Opts holds configuration options for the API server and its background workers.
type Opts struct {
	Addr              string
	BotToken          string
	AppToken          string
	SigningSecret     string
	ChannelID         string
	HistoryChannelIDs []string
	ProposalThreshold int
	ExclusionDays     int
	ReactionKinds     *models.ReactionKinds
	Categories        []string
	CatalogPath       string
	QuestionRatio     float64
	AnalysisDays      int
	WorkflowTTL       time.Duration
	CalendarID        string
	CredentialsFile   string
	TimeZone          string
	BroadcastSchedule string
	MineSchedule      string
	SweepSchedule     string
	PollInterval      time.Duration
	Debug             bool
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option { return func(o *Opts) { o.Addr = addr } }

// WithSlackTokens sets the bot token and the optional app-level token that enables Socket Mode.
func WithSlackTokens(botToken, appToken string) Option {
	return func(o *Opts) {
		o.BotToken = botToken
		o.AppToken = appToken
	}
}

// WithSigningSecret enables request signature verification on the Slack endpoints.
func WithSigningSecret(secret string) Option { return func(o *Opts) { o.SigningSecret = secret } }

// WithChannelID sets the broadcast channel.
func WithChannelID(id string) Option { return func(o *Opts) { o.ChannelID = id } }

// WithHistoryChannels sets the channels the miner reads. Defaults to the broadcast channel.
func WithHistoryChannels(ids []string) Option { return func(o *Opts) { o.HistoryChannelIDs = ids } }

// WithProposalThreshold sets how many distinct reactors trigger a proposal.
func WithProposalThreshold(n int) Option { return func(o *Opts) { o.ProposalThreshold = n } }

// WithExclusionDays sets how long a broadcast topic stays out of rotation.
func WithExclusionDays(days int) Option { return func(o *Opts) { o.ExclusionDays = days } }

// WithReactionKinds overrides the reaction kind mapping.
func WithReactionKinds(k models.ReactionKinds) Option { return func(o *Opts) { o.ReactionKinds = &k } }

// WithCategories sets the broadcast topic categories.
func WithCategories(c []string) Option { return func(o *Opts) { o.Categories = c } }

// WithCatalogPath seeds topics from a YAML catalog at startup.
func WithCatalogPath(path string) Option { return func(o *Opts) { o.CatalogPath = path } }

// WithQuestionRatio sets the probability that a broadcast asks a member a question.
func WithQuestionRatio(r float64) Option { return func(o *Opts) { o.QuestionRatio = r } }

// WithAnalysisDays sets the history mining window.
func WithAnalysisDays(days int) Option { return func(o *Opts) { o.AnalysisDays = days } }

// WithWorkflowTTL sets how long a workflow may collect reactions.
func WithWorkflowTTL(ttl time.Duration) Option { return func(o *Opts) { o.WorkflowTTL = ttl } }

// WithCalendar sets the Google calendar id and credentials file.
func WithCalendar(calendarID, credentialsFile string) Option {
	return func(o *Opts) {
		o.CalendarID = calendarID
		o.CredentialsFile = credentialsFile
	}
}

// WithTimeZone sets the zone used for schedules and datetime parsing.
func WithTimeZone(tz string) Option { return func(o *Opts) { o.TimeZone = tz } }

// WithSchedules sets the cron expressions. Empty values keep the defaults.
func WithSchedules(broadcast, mine, sweep string) Option {
	return func(o *Opts) {
		if broadcast != "" {
			o.BroadcastSchedule = broadcast
		}
		if mine != "" {
			o.MineSchedule = mine
		}
		if sweep != "" {
			o.SweepSchedule = sweep
		}
	}
}

// WithPollInterval sets the job runner and outbox sender poll interval.
func WithPollInterval(d time.Duration) Option { return func(o *Opts) { o.PollInterval = d } }

// WithDebug enables Slack client debug logging.
func WithDebug(debug bool) Option { return func(o *Opts) { o.Debug = debug } }

func defaultOpts() Opts {
	return Opts{
		Addr:              DefaultServerAddress,
		ProposalThreshold: reaction.DefaultThreshold,
		ExclusionDays:     topic.DefaultExclusionWindowDays,
		Categories:        topic.DefaultCategories,
		QuestionRatio:     topic.DefaultQuestionRatio,
		AnalysisDays:      miner.DefaultAnalysisDays,
		WorkflowTTL:       topic.DefaultWorkflowTTL,
		CalendarID:        calendar.DefaultCalendarID,
		TimeZone:          timeparse.DefaultLocation,
		BroadcastSchedule: scheduler.DefaultBroadcastSchedule,
		MineSchedule:      scheduler.DefaultMineSchedule,
		SweepSchedule:     scheduler.DefaultSweepSchedule,
		PollInterval:      DefaultPollInterval,
	}
}

// EventDispatcher routes inbound Slack payloads.
type EventDispatcher interface {
	HandleEventsAPI(ctx context.Context, ev slackevents.EventsAPIEvent) error
	HandleInteraction(ctx context.Context, cb slack.InteractionCallback) error
}

// WorkflowService reads and cancels workflows.
type WorkflowService interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// EngagementScheduler enqueues engagement measurement.
type EngagementScheduler interface {
	ScheduleEngagement(ctx context.Context, workflowID string) error
}

// Broadcaster posts the next topic or question.
type Broadcaster interface {
	Broadcast(ctx context.Context) (*topic.BroadcastResult, error)
}

// HistoryMiner mines channel history into topics.
type HistoryMiner interface {
	Run(ctx context.Context) (*miner.Report, error)
}

// Sweeper retires stale workflows.
type Sweeper interface {
	Sweep(ctx context.Context) (topic.SweepReport, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	topics        store.TopicRepo
	workflows     WorkflowService
	dispatcher    EventDispatcher
	engagement    EngagementScheduler
	broadcaster   Broadcaster
	miner         HistoryMiner
	sweeper       Sweeper
	signingSecret string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerSigningSecret verifies Slack request signatures with secret.
func WithServerSigningSecret(secret string) ServerOption {
	return func(s *Server) { s.signingSecret = secret }
}

// WithServerEngagement schedules measurement after API cancellations.
func WithServerEngagement(e EngagementScheduler) ServerOption {
	return func(s *Server) { s.engagement = e }
}

// WithJobs enables the manual job trigger endpoints. Nil values leave a trigger disabled.
func WithJobs(b Broadcaster, m HistoryMiner, sw Sweeper) ServerOption {
	return func(s *Server) {
		s.broadcaster = b
		s.miner = m
		s.sweeper = sw
	}
}

// NewServer creates a Server.
func NewServer(topics store.TopicRepo, workflows WorkflowService, dispatcher EventDispatcher, opts ...ServerOption) *Server {
	s := &Server{topics: topics, workflows: workflows, dispatcher: dispatcher}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/slack/events", s.slackEventsHandler)
	mux.HandleFunc("/slack/interactions", s.slackInteractionsHandler)
	mux.HandleFunc("/topics", s.topicsHandler)
	mux.HandleFunc("/workflows/{id}", s.getWorkflowHandler)
	mux.HandleFunc("/workflows/{id}/cancel", s.cancelWorkflowHandler)
	mux.HandleFunc("/jobs/broadcast", s.broadcastJobHandler)
	mux.HandleFunc("/jobs/mine", s.mineJobHandler)
	mux.HandleFunc("/jobs/sweep", s.sweepJobHandler)
	return mux
}

// components is everything Run builds before it starts serving.
type components struct {
	server      *Server
	runner      *store.JobRunner
	sender      *store.OutboxSender
	socket      *messaging.SocketModeRunner
	recovery    *recovery.Manager
	broadcaster *topic.Broadcaster
	miner       *miner.Miner
	sweeper     *topic.Sweeper
}

// Run builds the application from opts and serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.BotToken == "" {
		return errors.New("slack bot token is required")
	}
	if cfg.ChannelID == "" {
		return errors.New("slack channel id is required")
	}
	if len(cfg.HistoryChannelIDs) == 0 {
		cfg.HistoryChannelIDs = []string{cfg.ChannelID}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, err := build(ctx, cfg, st, genaiOpts)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, c)
}

func build(ctx context.Context, cfg Opts, st store.Store, genaiOpts []genai.Option) (*components, error) {
	loc := timeparse.LoadLocation(cfg.TimeZone)
	kinds := models.DefaultReactionKinds()
	if cfg.ReactionKinds != nil {
		kinds = *cfg.ReactionKinds
	}

	slackOpts := []slack.Option{slack.OptionDebug(cfg.Debug)}
	if cfg.AppToken != "" {
		slackOpts = append(slackOpts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	api := slack.New(cfg.BotToken, slackOpts...)
	svc := messaging.NewSlackService(api)
	botUserID, err := svc.BotUserID(ctx)
	if err != nil {
		slog.Warn("Run: could not resolve bot user, own messages are filtered by bot_id only", "error", err)
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	provider, err := calendar.NewGoogleProvider(ctx, clientOpts, calendar.WithCalendarID(cfg.CalendarID), calendar.WithTimeZone(loc.String()))
	if err != nil {
		return nil, fmt.Errorf("calendar provider: %w", err)
	}

	tracker := workflow.NewTracker(st)
	jobs := flow.NewJobScheduler(st)
	notifier := messaging.NewOutboxNotifier(st)
	materializer := calendar.NewMaterializer(tracker, provider,
		calendar.WithReactionKinds(kinds),
		calendar.WithNotifier(notifier),
		calendar.WithEngagementScheduler(jobs),
		calendar.WithAvailability(provider),
	)
	slots := flow.NewSlotFiller(flow.NewStateManager(st), tracker, materializer, jobs, svc,
		flow.WithAvailabilityChecker(materializer),
		flow.WithLocation(loc),
	)
	reactions := reaction.NewHandler(tracker, svc, notifier,
		reaction.WithThreshold(cfg.ProposalThreshold),
		reaction.WithBotUserID(botUserID),
	)
	dispatcher := messaging.NewDispatcher(st, reactions, slots, tracker,
		messaging.WithDispatcherBotUserID(botUserID),
		messaging.WithEngagementScheduler(jobs),
		messaging.WithReplier(svc),
	)

	if cfg.CatalogPath != "" {
		catalog, err := topic.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if _, err := topic.SeedCatalog(ctx, st, catalog); err != nil {
			return nil, err
		}
	}
	broadcaster := topic.NewBroadcaster(topic.NewSelector(st), st, st, tracker, svc, cfg.ChannelID,
		topic.WithCategories(cfg.Categories),
		topic.WithExclusionWindow(cfg.ExclusionDays),
		topic.WithQuestionRatio(cfg.QuestionRatio),
		topic.WithMemberLister(svc),
	)

	var analyzer miner.Analyzer = miner.HeuristicAnalyzer{}
	if client, err := genai.NewClient(genaiOpts...); err == nil {
		analyzer = miner.FallbackAnalyzer{Primary: genai.NewAnalyzer(client)}
		slog.Info("Run: using OpenAI keyword analysis with heuristic fallback")
	} else if !errors.Is(err, genai.ErrAPIKeyRequired) {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	mn := miner.New(svc, analyzer, st, st, cfg.HistoryChannelIDs, miner.WithAnalysisDays(cfg.AnalysisDays))
	sweeper := topic.NewSweeper(tracker, jobs, cfg.WorkflowTTL)

	recorder := topic.NewEngagementRecorder(st)
	runner := store.NewJobRunner(st, cfg.PollInterval)
	flow.RegisterJobHandlers(runner, materializer.HandleJob, recorder.Record)
	sender := store.NewOutboxSender(st, messaging.SendFunc(svc, loc), cfg.PollInterval)

	rm := recovery.NewManager()
	rm.Register("jobs", recovery.ErrorOnly(runner.RecoverStaleJobs))
	rm.Register("outbox", recovery.ErrorOnly(sender.RecoverStaleMessages))
	wr := recovery.NewWorkflowRecoverer(st, jobs)
	rm.Register("materializations", wr.RecoverMaterializations)
	rm.Register("engagement", wr.RecoverEngagement)

	c := &components{
		recovery:    rm,
		runner:      runner,
		sender:      sender,
		broadcaster: broadcaster,
		miner:       mn,
		sweeper:     sweeper,
		server: NewServer(st, tracker, dispatcher,
			WithServerSigningSecret(cfg.SigningSecret),
			WithServerEngagement(jobs),
			WithJobs(broadcaster, mn, sweeper),
		),
	}
	if cfg.AppToken != "" {
		c.socket = messaging.NewSocketModeRunner(api, dispatcher, cfg.Debug)
	}
	return c, nil
}

func serve(ctx context.Context, cfg Opts, c *components) error {
	if _, err := c.recovery.RecoverAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.NewScheduler(scheduler.WithLocation(timeparse.LoadLocation(cfg.TimeZone)))
	schedules := []struct {
		name, expr string
		task       func(context.Context) error
	}{
		{"broadcast", cfg.BroadcastSchedule, func(ctx context.Context) error { _, err := c.broadcaster.Broadcast(ctx); return err }},
		{"mine", cfg.MineSchedule, func(ctx context.Context) error { _, err := c.miner.Run(ctx); return err }},
		{"sweep", cfg.SweepSchedule, func(ctx context.Context) error { _, err := c.sweeper.Sweep(ctx); return err }},
	}
	for _, sc := range schedules {
		if err := sched.AddContextJob(gctx, sc.name, sc.expr, sc.task); err != nil {
			sched.Stop()
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	g.Go(func() error {
		slog.Info("Run: HTTP server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Run: shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		c.runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.sender.Run(gctx)
		return nil
	})
	if c.socket != nil {
		g.Go(func() error {
			if err := c.socket.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("socket mode: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	slog.Info("Run: stopped", "error", err)
	return err
}
