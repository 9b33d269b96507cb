// ABOUTME: Wires the webhook, queues, interpreter and turn runner into one service
// ABOUTME: Owns the HTTP server lifecycle including optional tailscale listeners

package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/lark-bridge/internal/ai"
	"github.com/2389/lark-bridge/internal/command"
	"github.com/2389/lark-bridge/internal/config"
	"github.com/2389/lark-bridge/internal/dedupe"
	"github.com/2389/lark-bridge/internal/dispatch"
	"github.com/2389/lark-bridge/internal/lark"
	"github.com/2389/lark-bridge/internal/store"
	"github.com/2389/lark-bridge/internal/turn"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 100_000

	commandWorkers = 2

	// turnWorkers must stay 1: a single worker serializes AI turns so
	// concurrent conversation updates cannot interleave.
	turnWorkers = 1

	maxWebhookBody = 1 << 20
)

// commandJob is one inbound message awaiting interpretation.
type commandJob struct {
	MessageID string
	SenderID  string
	ChatID    string
	Text      string
}

// Bridge is the assembled relay service.
type Bridge struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	messenger   lark.Messenger
	parser      *lark.Parser
	ai          ai.Client
	interpreter *command.Interpreter
	runner      *turn.Runner
	dedupe      *dedupe.Cache

	cmdQueue  *dispatch.Queue[commandJob]
	turnQueue *dispatch.Queue[turn.Job]
	workersWG []*sync.WaitGroup

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New assembles a bridge from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	messenger := lark.NewClient(lark.ClientOptions{
		BaseURL:   cfg.Lark.BaseURL,
		AppID:     cfg.Lark.AppID,
		AppSecret: cfg.Lark.AppSecret,
		Logger:    logger,
	})

	aic := ai.NewHTTPClient(ai.Options{
		BaseURL:     cfg.AI.BaseURL,
		AccessToken: cfg.AI.AccessToken,
		Timeout:     cfg.AI.Timeout,
		Logger:      logger,
	})

	b := &Bridge{
		config:      cfg,
		logger:      logger.With("component", "bridge"),
		store:       st,
		messenger:   messenger,
		parser:      lark.NewParser(cfg.Lark.VerificationToken, cfg.Lark.EncryptKey),
		ai:          aic,
		interpreter: command.NewInterpreter(st, aic, messenger, logger),
		dedupe:      dedupe.New(dedupeTTL, dedupeMaxSize),
		cmdQueue:    dispatch.NewQueue[commandJob](),
		turnQueue:   dispatch.NewQueue[turn.Job](),
	}
	b.runner = turn.NewRunner(turn.RunnerOptions{
		AI: aic,
		Delivery: &cardDelivery{
			messenger:     messenger,
			loadingImgKey: cfg.Lark.LoadingImgKey,
		},
		Store:  st,
		Logger: logger,
	})

	mux := http.NewServeMux()
	// The platform probes with GET during setup, so the route is not
	// method-restricted.
	mux.HandleFunc(cfg.Server.WebhookPath, b.handleWebhook)
	mux.HandleFunc("GET /health", b.handleHealth)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b, nil
}

// cardDelivery writes turn output through the answer card.
type cardDelivery struct {
	messenger     lark.Messenger
	loadingImgKey string
}

func (d *cardDelivery) OpenPlaceholder(ctx context.Context, inReplyTo string) (string, error) {
	return d.messenger.Reply(ctx, inReplyTo, lark.CardContent("", false, d.loadingImgKey))
}

func (d *cardDelivery) EditStreaming(ctx context.Context, messageID, text string) error {
	return d.messenger.Update(ctx, messageID, lark.CardContent(text, false, d.loadingImgKey))
}

func (d *cardDelivery) EditFinal(ctx context.Context, messageID, text string) error {
	return d.messenger.Update(ctx, messageID, lark.CardContent(text, true, d.loadingImgKey))
}

// handleWebhook acknowledges callbacks quickly and hands real work to
// the queues. The platform retries deliveries that do not get a 200
// within its deadline, so nothing slow happens on this path.
func (b *Bridge) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	wh, err := b.parser.ParseWebhook(body)
	if err != nil {
		b.logger.Warn("rejecting webhook", "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, lark.ErrBadToken) {
			status = http.StatusUnauthorized
		}
		http.Error(w, "invalid webhook", status)
		return
	}

	if wh.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": wh.Challenge})
		return
	}

	w.WriteHeader(http.StatusOK)

	msg := wh.Message
	if msg == nil {
		return
	}
	if b.dedupe.Seen(msg.MessageID) {
		b.logger.Debug("dropping duplicate delivery", "message_id", msg.MessageID)
		return
	}

	if msg.MessageType != "text" {
		// Unsupported types get a fixed reply and never reach a queue.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := b.messenger.Reply(ctx, msg.MessageID, lark.TextContent("暂时只能处理文本消息")); err != nil {
				b.logger.Error("replying to unsupported message failed",
					"message_id", msg.MessageID, "error", err)
			}
		}()
		return
	}

	b.cmdQueue.Push(commandJob{
		MessageID: msg.MessageID,
		SenderID:  msg.SenderOpenID,
		ChatID:    msg.ChatID,
		Text:      msg.Text,
	})
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// recoverJob turns a handler panic into the generic server-error
// reply, so even a crashing job ends with a user-visible outcome.
func (b *Bridge) recoverJob(ctx context.Context, inReplyTo string) {
	if r := recover(); r != nil {
		b.replyError(ctx, inReplyTo, fmt.Errorf("%v", r))
	}
}

// handleCommand interprets one message, sends any immediate reply and
// forwards turn work to the turn queue.
func (b *Bridge) handleCommand(ctx context.Context, job commandJob) {
	defer b.recoverJob(ctx, job.MessageID)

	out, err := b.interpreter.Interpret(ctx, command.Request{
		Key:      store.Key(job.SenderID, job.ChatID),
		SenderID: job.SenderID,
		ChatID:   job.ChatID,
		Text:     job.Text,
	})
	if err != nil {
		b.replyError(ctx, job.MessageID, err)
		return
	}

	if out.Reply != "" {
		if _, err := b.messenger.Reply(ctx, job.MessageID, lark.TextContent(out.Reply)); err != nil {
			b.logger.Error("sending reply failed", "message_id", job.MessageID, "error", err)
		}
	}

	if out.Turn != nil {
		b.turnQueue.Push(turn.Job{
			Key:            store.Key(job.SenderID, job.ChatID),
			Title:          out.Turn.Title,
			Text:           out.Turn.Text,
			ConversationID: out.Turn.ConversationID,
			ParentIDs:      out.Turn.ParentIDs,
			Model:          out.Turn.Model,
			InReplyTo:      job.MessageID,
		})
	}
}

// handleTurn runs one AI turn and reports failures back to the chat.
func (b *Bridge) handleTurn(ctx context.Context, job turn.Job) {
	defer b.recoverJob(ctx, job.InReplyTo)

	if err := b.runner.Run(ctx, job); err != nil {
		b.replyError(ctx, job.InReplyTo, err)
	}
}

// replyError reports a failure to the user. Backend errors carry their
// own source and code; everything else is a generic server fault.
func (b *Bridge) replyError(ctx context.Context, inReplyTo string, err error) {
	var be *ai.BackendError
	text := fmt.Sprintf("服务器异常: %v", err)
	if errors.As(err, &be) {
		text = be.Error()
	}
	b.logger.Error("request failed", "message_id", inReplyTo, "error", err)

	if _, rerr := b.messenger.Reply(ctx, inReplyTo, lark.TextContent(text)); rerr != nil {
		b.logger.Error("sending error reply failed", "message_id", inReplyTo, "error", rerr)
	}
}

// Run starts the workers and HTTP server and blocks until the context
// is canceled or the server fails, then shuts everything down.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := b.setupListener(ctx)
	if err != nil {
		return err
	}

	b.workersWG = []*sync.WaitGroup{
		dispatch.Run(b.cmdQueue, commandWorkers, b.logger, b.handleCommand),
		dispatch.Run(b.turnQueue, turnWorkers, b.logger, b.handleTurn),
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("HTTP server listening", "addr", ln.Addr().String(),
			"webhook_path", b.config.Server.WebhookPath)
		if err := b.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := b.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is
// already canceled by the time shutdown starts.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown stops the HTTP server, drains the queues and releases
// resources.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var errs []error

	if err := b.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	// Closing the queues lets in-flight jobs finish and the workers
	// exit once drained.
	b.cmdQueue.Close()
	b.turnQueue.Close()
	for _, wg := range b.workersWG {
		wg.Wait()
	}

	b.dedupe.Close()

	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if b.tsnetServer != nil {
		if err := b.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tailscale: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Info("shutdown complete")
	return nil
}

// setupListener creates the webhook listener, over tailscale when
// enabled and plain TCP otherwise.
func (b *Bridge) setupListener(ctx context.Context) (net.Listener, error) {
	if b.config.Tailscale.Enabled {
		if b.config.Server.HTTPAddr != "" {
			b.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", b.config.Server.HTTPAddr)
		}
		return b.setupTailscaleListener(ctx)
	}
	b.logger.Info("starting bridge", "http_addr", b.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", b.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lark-bridge", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens there. Funnel
// gives the webhook a public HTTPS URL without any port forwarding,
// which is how the platform reaches a bridge on a home network.
func (b *Bridge) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := b.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	b.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	b.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := b.tsnetServer.Up(ctx)
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	b.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		b.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := b.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return b.setupTailscaleTLSListener()
	default:
		ln, err := b.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func (b *Bridge) setupTailscaleTLSListener() (net.Listener, error) {
	b.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := b.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := b.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (b *Bridge) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		b.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	b.logger.Info("tailscale node ready",
		"hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
