package mjbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Alex-solo31/mj-bot-server/mjbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

func defaultLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// MJBot is the main application struct. It wires the discord gateway,
// the PocketBase persistence backend, the OpenAI completion gateway and
// the local message log together, and runs the per-message pipeline:
// resolve player, load memory, generate reply, send it, persist the turn.
type MJBot struct {
	config *Config

	// Standard logger. Missing loggers fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles the discord gateway connection
	discord *Discord

	// Completion gateway
	openai *OpenAI

	// Client for the persistence backend (players, turns)
	pocketbase *PocketBase

	// Local message log
	writeDB *database

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once the discord session is
	// open and the message handler registered
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	messagesHandled atomic.Int64
	messagesFailed  atomic.Int64
}

// New creates and initializes a new MJBot instance from the given
// configuration: validates it, sets up per-component logging, opens the
// local message-log database and constructs the PocketBase, OpenAI and
// discord components. Call Run on the result to start the bot.
func New(config *Config) (*MJBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = DefaultDiscordErrorMessage
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}

	d := &MJBot{
		config:      config,
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}

	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d.logHandler = defaultLogHandler(config.LogLevel)
	d.logger = slog.New(d.logHandler).With(loggerNameKey, "mjbot")

	db, err := CreateDB(
		context.Background(),
		config.Database,
		config.DatabaseLogLevel,
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	d.writeDB = newDatabase(db, d.logger)

	pbClient := &http.Client{Timeout: config.PocketBase.Timeout}
	d.pocketbase = newPocketBase(config.PocketBase, pbClient)

	d.openai = newOpenAI(config.OpenAI, config.HTTPClient, config.SystemPrompt)

	d.discord = newDiscord(config.Discord)
	d.discord.logger = slog.New(
		defaultLogHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")

	return d, nil
}

// Run opens the discord gateway session and blocks until the given
// context is cancelled or Stop is called.
//
// The initial PocketBase login is attempted eagerly; a failure is logged
// but not fatal, since the token is re-acquired lazily on the first
// message anyway.
func (d *MJBot) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger
	logger.Info(
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"config", d.config,
	)

	if err := d.pocketbase.Login(ctx); err != nil {
		logger.Error("initial pocketbase login failed", tint.Err(err))
	}

	session, err := d.discord.newSession()
	if err != nil {
		return err
	}
	d.discord.session = session

	discordgoLogger := discordgoLoggerFunc(
		ctx,
		defaultLogHandler(d.config.Discord.DiscordGoLogLevel),
	)
	discordgo.Logger = discordgoLogger

	d.discord.discordgoRemoveHandlerFuncs = append(
		d.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(d.discord.handlerReady()),
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(d.handlerMessageCreate(ctx)),
	)

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	logger.Info("discord session open")

	select {
	case d.signalReady <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-d.signalStop:
		logger.Info("stop signal received, shutting down")
	}

	return d.shutdown()
}

// Stop signals a running bot to shut down.
func (d *MJBot) Stop() {
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// shutdown removes the gateway handlers and closes the session, bounded
// by the configured shutdown timeout.
func (d *MJBot) shutdown() error {
	logger := d.logger

	ctx, cancel := context.WithTimeout(
		context.Background(),
		d.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range d.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	d.discord.discordgoRemoveHandlerFuncs = nil

	closed := make(chan error, 1)
	go func() {
		closed <- d.discord.session.Close()
	}()

	select {
	case err := <-closed:
		if err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			return err
		}
	case <-ctx.Done():
		logger.Error(
			"timed out closing discord session",
			"timeout", d.config.ShutdownTimeout,
		)
		return ctx.Err()
	}

	logger.Info(
		"shutdown complete",
		"messages_handled", d.messagesHandled.Load(),
		"messages_failed", d.messagesFailed.Load(),
		"discord_connects", d.discord.metricConnects.Load(),
		"discord_disconnects", d.discord.metricDisconnects.Load(),
		"discord_connected", d.discord.connected.Load(),
	)
	return nil
}

// handlerMessageCreate returns the discordgo MessageCreate handler. Each
// inbound message is handled in its own goroutine; two concurrent
// messages from the same player may both read the same memory window
// before either writes its turn, and neither handler will see the
// other's turn.
func (d *MJBot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		go d.handleDiscordMessage(ctx, m.Message)
	}
}

// handleDiscordMessage runs the per-message pipeline with a single error
// boundary: any failure after filtering is logged, recorded, and answered
// with the fixed fallback reply. Nothing is retried.
func (d *MJBot) handleDiscordMessage(ctx context.Context, m *discordgo.Message) {
	logger := d.logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"panic in message handler",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		logger.Debug("ignoring direct message")
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	d.messagesHandled.Add(1)
	started := time.Now()
	rec := NewMessageLog(m)

	err := d.answerMessage(ctx, content, m, &rec)
	rec.HandledInMS = time.Since(started).Milliseconds()

	if err != nil {
		d.messagesFailed.Add(1)
		rec.Error = err.Error()
		logger.Error("message pipeline failed", tint.Err(err))

		if sendErr := d.discord.channelMessageReply(
			m.ChannelID,
			d.config.ErrorMessage,
			m.Reference(),
		); sendErr != nil {
			// fallback delivery failures must not crash the handler
			logger.Error("error sending fallback reply", tint.Err(sendErr))
		}
	}

	if _, dbErr := d.writeDB.Create(ctx, &rec); dbErr != nil {
		logger.Error(
			"error writing message log",
			tint.Err(dbErr),
			"message_log", rec,
		)
	}
}

// answerMessage executes the pipeline steps in order: resolve player,
// load memory, generate the reply, deliver it, persist the turn. Each
// step's error propagates to the boundary in handleDiscordMessage.
func (d *MJBot) answerMessage(
	ctx context.Context,
	content string,
	m *discordgo.Message,
	rec *MessageLog,
) error {
	player, err := d.pocketbase.GetOrCreatePlayer(
		ctx,
		m.Author.ID,
		playerDisplayName(m.Author),
	)
	if err != nil {
		return fmt.Errorf("resolving player: %w", err)
	}
	rec.PlayerID = player.ID

	// campaigns exist in the data model but aren't populated yet
	campaignID := ""

	history, err := d.pocketbase.LoadMemory(
		ctx,
		player.ID,
		campaignID,
		d.config.MemoryLimit,
	)
	if err != nil {
		return fmt.Errorf("loading memory: %w", err)
	}

	reply, err := d.openai.GenerateReply(ctx, content, history)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	rec.Reply = reply

	if err = d.discord.channelMessageReply(
		m.ChannelID,
		truncate(reply, discordMaxMessageLength),
		m.Reference(),
	); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	if err = d.pocketbase.SaveTurn(
		ctx,
		player.ID,
		campaignID,
		content,
		reply,
	); err != nil {
		return fmt.Errorf("saving turn: %w", err)
	}
	return nil
}
