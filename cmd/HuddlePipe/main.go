package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/HuddlePipe/internal/api"
	"github.com/BTreeMap/HuddlePipe/internal/calendar"
	"github.com/BTreeMap/HuddlePipe/internal/genai"
	"github.com/BTreeMap/HuddlePipe/internal/lockfile"
	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for HuddlePipe state data
	DefaultStateDir = "/var/lib/huddlepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "huddlepipe.db"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts, err := buildAPIOptions(config, flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		lock.Release()
		os.Exit(1)
	}

	slog.Info("Bootstrapping HuddlePipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("HuddlePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("HuddlePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	SlackBotToken     string
	SlackAppToken     string
	SlackSigningKey   string
	SlackDebug        bool
	ChannelID         string
	HistoryChannelIDs []string
	ProposalThreshold int
	ExclusionDays     int
	ReactionKinds     string
	ReactionDefault   string
	TopicCategories   []string
	TopicCatalogPath  string
	QuestionRatio     float64
	AnalysisDays      int
	WorkflowTTLHours  int
	CalendarID        string
	CredentialsFile   string
	OpenAIKey         string
	DatabaseURL       string
	StateDir          string
	APIAddr           string
	TimeZone          string
	BroadcastSchedule string
	MineSchedule      string
	SweepSchedule     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	channelID *string
	catalog   *string
	timeZone  *string
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(val string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(val))); err != nil || val == "" {
		return slog.LevelDebug
	}
	return level
}

// initializeLogger sets up structured logging on stdout
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
		SlackSigningKey:   os.Getenv("SLACK_SIGNING_SECRET"),
		SlackDebug:        util.ParseBoolEnv("SLACK_DEBUG", false),
		ChannelID:         strings.TrimSpace(os.Getenv("SLACK_CHANNEL_ID")),
		HistoryChannelIDs: util.SplitList(os.Getenv("HISTORY_CHANNEL_IDS")),
		ProposalThreshold: util.ParseIntEnv("PROPOSAL_THRESHOLD", 3),
		ExclusionDays:     util.ParseIntEnv("EXCLUSION_WINDOW_DAYS", 14),
		ReactionKinds:     os.Getenv("REACTION_KINDS"),
		ReactionDefault:   os.Getenv("REACTION_DEFAULT_CATEGORY"),
		TopicCategories:   util.SplitList(os.Getenv("TOPIC_CATEGORIES")),
		TopicCatalogPath:  os.Getenv("TOPIC_CATALOG_PATH"),
		QuestionRatio:     util.ParseFloatEnv("QUESTION_RATIO", 0.2),
		AnalysisDays:      util.ParseIntEnv("ANALYSIS_DAYS", 7),
		WorkflowTTLHours:  util.ParseIntEnv("WORKFLOW_TTL_HOURS", 168),
		CalendarID:        os.Getenv("GOOGLE_CALENDAR_ID"),
		CredentialsFile:   os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("HUDDLEPIPE_STATE_DIR"),
		APIAddr:           os.Getenv("API_ADDR"),
		TimeZone:          os.Getenv("TIMEZONE"),
		BroadcastSchedule: os.Getenv("BROADCAST_SCHEDULE"),
		MineSchedule:      os.Getenv("MINE_SCHEDULE"),
		SweepSchedule:     os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No HUDDLEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SLACK_BOT_TOKEN_SET", config.SlackBotToken != "",
		"SLACK_APP_TOKEN_SET", config.SlackAppToken != "",
		"SLACK_SIGNING_SECRET_SET", config.SlackSigningKey != "",
		"SLACK_CHANNEL_ID", config.ChannelID,
		"HISTORY_CHANNEL_IDS", config.HistoryChannelIDs,
		"PROPOSAL_THRESHOLD", config.ProposalThreshold,
		"HUDDLEPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GOOGLE_CREDENTIALS_FILE", config.CredentialsFile,
		"API_ADDR", config.APIAddr,
		"TIMEZONE", config.TimeZone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for HuddlePipe data (overrides $HUDDLEPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN, a SQLite path or a Postgres URL (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channelID: flag.String("channel", config.ChannelID, "Slack channel to broadcast to (overrides $SLACK_CHANNEL_ID)"),
		catalog:   flag.String("topic-catalog", config.TopicCatalogPath, "YAML topic catalog to seed (overrides $TOPIC_CATALOG_PATH)"),
		timeZone:  flag.String("timezone", config.TimeZone, "IANA time zone for schedules and dates (overrides $TIMEZONE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channelID,
		"catalog", *flags.catalog,
		"timezone", *flags.timeZone)

	// Follow a moved state directory when the DSN is still the default SQLite file.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) ([]api.Option, error) {
	apiOpts := []api.Option{
		api.WithSlackTokens(config.SlackBotToken, config.SlackAppToken),
		api.WithSigningSecret(config.SlackSigningKey),
		api.WithChannelID(*flags.channelID),
		api.WithProposalThreshold(config.ProposalThreshold),
		api.WithExclusionDays(config.ExclusionDays),
		api.WithQuestionRatio(config.QuestionRatio),
		api.WithAnalysisDays(config.AnalysisDays),
		api.WithWorkflowTTL(time.Duration(config.WorkflowTTLHours) * time.Hour),
		api.WithSchedules(config.BroadcastSchedule, config.MineSchedule, config.SweepSchedule),
		api.WithDebug(config.SlackDebug),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if len(config.HistoryChannelIDs) > 0 {
		apiOpts = append(apiOpts, api.WithHistoryChannels(config.HistoryChannelIDs))
	}
	if len(config.TopicCategories) > 0 {
		apiOpts = append(apiOpts, api.WithCategories(config.TopicCategories))
	}
	if *flags.catalog != "" {
		apiOpts = append(apiOpts, api.WithCatalogPath(*flags.catalog))
	}
	if *flags.timeZone != "" {
		apiOpts = append(apiOpts, api.WithTimeZone(*flags.timeZone))
	}
	if config.CalendarID != "" || config.CredentialsFile != "" {
		calendarID := config.CalendarID
		if calendarID == "" {
			calendarID = calendar.DefaultCalendarID
		}
		apiOpts = append(apiOpts, api.WithCalendar(calendarID, config.CredentialsFile))
	}
	if config.ReactionKinds != "" || config.ReactionDefault != "" {
		fallback := models.ReactionCategory(strings.TrimSpace(config.ReactionDefault))
		if fallback == "" {
			fallback = models.ReactionParticipating
		}
		if !fallback.IsValid() {
			return nil, fmt.Errorf("REACTION_DEFAULT_CATEGORY: unknown category %q", fallback)
		}
		kinds := models.DefaultReactionKinds()
		if config.ReactionKinds != "" {
			var err error
			kinds, err = models.ParseReactionKinds(config.ReactionKinds, fallback)
			if err != nil {
				return nil, err
			}
		} else {
			kinds = kinds.WithFallback(fallback)
		}
		apiOpts = append(apiOpts, api.WithReactionKinds(kinds))
	}
	return apiOpts, nil
}
