package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"convsync/internal/bus"
	"convsync/internal/collab"
	"convsync/internal/config"
	"convsync/internal/domain"
	"convsync/internal/engine"
	"convsync/internal/kvstore"
	"convsync/internal/metrics"
	"convsync/internal/relay"
	"convsync/internal/session"
	"convsync/internal/transport"

	"github.com/spf13/cobra"
)

const chatHelp = `commands:
  /open direct|group|channel <id>   switch conversation
  /close                            leave the conversation
  /more                             load older messages
  /seen                             mark everything seen
  /reply <messageId> <text>         reply to a message
  /special <text>                   send a highlighted message
  /attach <file> [text]             upload a file and send it
  /forward <messageId> user|group|channel <id>
  /destinations                     list forward targets
  /unread                           unread counters and badges
  /notifications                    notification history
  /read <conversationId>            mark a conversation read
  /clear                            clear notification history
  /tap                              open the visible toast
  /retry                            retry a failed join
  /status                           connection state
  /quit
anything else is sent as a message`

type chatOptions struct {
	server  string
	user    string
	name    string
	peer    string
	group   string
	channel string
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long:  "Connects to the server as the configured user and opens a conversation. Type /help for commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "server URL (overrides server.url)")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id (overrides user.id)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (overrides user.displayName)")
	cmd.Flags().StringVar(&opts.peer, "peer", "", "open the direct conversation with this user")
	cmd.Flags().StringVar(&opts.group, "group", "", "open this group")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "open this channel")
	return cmd
}

func runChat(parent context.Context, opts chatOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.server != "" {
		cfg.Server.URL = opts.server
	}
	user := session.User{
		ID:          firstNonEmpty(opts.user, cfg.User.ID),
		DisplayName: firstNonEmpty(opts.name, cfg.User.DisplayName),
		AvatarURL:   cfg.User.AvatarURL,
		Token:       cfg.Server.Token,
	}
	if user.ID == "" {
		return fmt.Errorf("user id is required (--user or user.id in config)")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(cfg.Storage.Backend, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		go serveMetrics(ctx, cfg.Metrics.Addr, collector)
	}

	sessions := session.New(logger)
	if err := sessions.Begin(user); err != nil {
		store.Close()
		return err
	}

	var uploader domain.Uploader
	if cfg.Uploads.Dir != "" {
		uploader = &collab.DirUploader{Dir: cfg.Uploads.Dir, BaseURL: cfg.Uploads.BaseURL}
	}

	out := newPrinter(os.Stdout, user.ID)
	var eng *engine.Engine
	eng, err = engine.New(engine.Config{
		ServerURL:    cfg.Server.URL,
		PageSize:     cfg.Sync.PageSize,
		FetchTimeout: cfg.Sync.FetchTimeout.Std(),
		InboxSize:    cfg.Sync.InboxSize,
		Transport: transport.Config{
			Token:                cfg.Server.Token,
			AutoReconnect:        true,
			MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
			ReconnectBaseDelay:   cfg.Sync.ReconnectBaseDelay.Std(),
			ReconnectMaxDelay:    cfg.Sync.ReconnectMaxDelay.Std(),
			HeartbeatInterval:    cfg.Sync.HeartbeatInterval.Std(),
			AckTimeout:           cfg.Sync.AckTimeout.Std(),
			Logger:               logger,
		},
		ToastVisible:   cfg.Toast.Visible.Std(),
		ToastAnimation: cfg.Toast.Animation.Std(),
		ToastSettle:    cfg.Toast.Settle.Std(),
		HistoryCap:     cfg.Notifications.HistoryCap,
		Store:          store,
		Session:        sessions,
		Directory:      collab.NewStaticDirectory(cfg.Directory.Users, cfg.Directory.Groups, cfg.Directory.Channels),
		Uploader:       uploader,
		Metrics:        collector,
		Logger:         logger,
		OnNavigate: func(n domain.Notification) {
			// runs on the engine loop; open from outside it
			go func() {
				if err := eng.OpenConversation(ctx, notificationRef(n)); err != nil {
					out.errorf("open %s: %v", n.ConversationID, err)
				}
			}()
		},
	})
	if err != nil {
		store.Close()
		return err
	}
	eng.Subscribe(bus.EventAny, out.handle)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sessions.End()
		if err := eng.Stop(); err != nil {
			logger.Warn("engine stop", "err", err)
		}
	}()

	if ref, ok, err := initialRef(user.ID, opts); err != nil {
		return err
	} else if ok {
		if err := eng.OpenConversation(ctx, ref); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stdout, "type /help for commands")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, eng, user.ID, strings.TrimSpace(line), out)
			if err != nil {
				out.errorf("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// runCommand executes one input line. It reports true when the user quits.
func runCommand(ctx context.Context, eng *engine.Engine, self, line string, out *printer) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := eng.SendMessage(ctx, domain.Draft{Content: line})
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		out.println(chatHelp)
	case "/open":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: /open direct|group|channel <id>")
		}
		ref, err := conversationRef(self, args[0], args[1])
		if err != nil {
			return false, err
		}
		return false, eng.OpenConversation(ctx, ref)
	case "/close":
		return false, eng.CloseConversation(ctx)
	case "/more":
		started, err := eng.LoadMore(ctx)
		if err == nil && !started {
			out.println("nothing more to load")
		}
		return false, err
	case "/seen":
		return false, eng.MarkSeen(ctx)
	case "/reply":
		id, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if id == "" || strings.TrimSpace(text) == "" {
			return false, fmt.Errorf("usage: /reply <messageId> <text>")
		}
		_, err := eng.SendMessage(ctx, domain.Draft{Content: strings.TrimSpace(text), ReplyToID: id})
		return false, err
	case "/special":
		_, err := eng.SendMessage(ctx, domain.Draft{Content: strings.TrimSpace(rest), Special: true})
		return false, err
	case "/attach":
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if path == "" {
			return false, fmt.Errorf("usage: /attach <file> [text]")
		}
		return false, attach(ctx, eng, config.ExpandPath(path), strings.TrimSpace(text))
	case "/forward":
		if len(args) != 3 {
			return false, fmt.Errorf("usage: /forward <messageId> user|group|channel <id>")
		}
		dest := domain.Destination{Kind: domain.DestinationKind(args[1]), ID: args[2]}
		return false, eng.ForwardMessage(ctx, args[0], dest)
	case "/destinations":
		dests, err := eng.ForwardDestinations(ctx)
		if err != nil {
			return false, err
		}
		for _, d := range dests {
			out.printf("  %-8s %-20s %s", d.Kind, d.ID, d.Name)
		}
	case "/unread":
		unread, badges, err := eng.Unread(ctx)
		if err != nil {
			return false, err
		}
		printUnread(out, unread, badges)
	case "/notifications":
		history, err := eng.Notifications(ctx)
		if err != nil {
			return false, err
		}
		printHistory(out, history)
	case "/read":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /read <conversationId>")
		}
		_, err := eng.MarkConversationAsRead(ctx, args[0])
		return false, err
	case "/clear":
		return false, eng.ClearNotifications(ctx)
	case "/tap":
		tapped, err := eng.TapToast(ctx)
		if err == nil && !tapped {
			out.println("no toast to open")
		}
		return false, err
	case "/retry":
		return false, eng.RetryJoin(ctx)
	case "/status":
		st, err := eng.Status(ctx)
		if err != nil {
			return false, err
		}
		out.printf("state=%s notifications=%t conversation=%s page=%d fully_loaded=%t loading=%t",
			st.State, st.NotificationsConnected, st.Conversation.ID,
			st.Pagination.LastLoadedPage, st.Pagination.FullyLoaded, st.Pagination.Loading)
		if st.Err != nil {
			out.printf("last error: %v", st.Err)
		}
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func attach(ctx context.Context, eng *engine.Engine, path, text string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	_, err = eng.SendWithUploads(ctx, domain.Draft{Content: text}, []domain.UploadFile{{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Body:        f,
	}})
	return err
}

func initialRef(self string, opts chatOptions) (domain.ConversationRef, bool, error) {
	switch {
	case opts.peer != "":
		ref, err := conversationRef(self, string(domain.ConversationDirect), opts.peer)
		return ref, true, err
	case opts.group != "":
		ref, err := conversationRef(self, string(domain.ConversationGroup), opts.group)
		return ref, true, err
	case opts.channel != "":
		ref, err := conversationRef(self, string(domain.ConversationChannel), opts.channel)
		return ref, true, err
	}
	return domain.ConversationRef{}, false, nil
}

// conversationRef addresses a conversation the way the relay names rooms.
func conversationRef(self, kind, id string) (domain.ConversationRef, error) {
	switch domain.ConversationType(kind) {
	case domain.ConversationDirect:
		if id == self {
			return domain.ConversationRef{}, errors.New("cannot open a direct conversation with yourself")
		}
		return domain.ConversationRef{ID: relay.DirectRoom(self, id), Type: domain.ConversationDirect, PeerID: id}, nil
	case domain.ConversationGroup, domain.ConversationChannel:
		return domain.ConversationRef{ID: id, Type: domain.ConversationType(kind), PeerID: id}, nil
	default:
		return domain.ConversationRef{}, fmt.Errorf("unknown conversation kind %q", kind)
	}
}

// notificationRef is the conversation a tapped notification leads to.
func notificationRef(n domain.Notification) domain.ConversationRef {
	switch n.ConversationType {
	case domain.ConversationGroup, domain.ConversationChannel:
		return domain.ConversationRef{ID: n.ConversationID, Type: n.ConversationType, PeerID: n.ConversationID}
	default:
		return domain.ConversationRef{ID: n.ConversationID, Type: domain.ConversationDirect, PeerID: n.SenderID}
	}
}

func serveMetrics(ctx context.Context, addr string, c *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
