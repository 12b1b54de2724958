// Package overlay wires the relay connection to the marquee engine. It owns
// the connection policy: the acn handshake on open, what to show and whether
// to reconnect on close, and which app commands the relay may issue.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/taskmgr818/comment-overlay/internal/config"
	"github.com/taskmgr818/comment-overlay/internal/dashboard"
	"github.com/taskmgr818/comment-overlay/internal/database"
	"github.com/taskmgr818/comment-overlay/internal/marquee"
	"github.com/taskmgr818/comment-overlay/internal/model"
	"github.com/taskmgr818/comment-overlay/internal/ws"
)

// AuthFailedText is shown when the relay rejects the room credentials.
const AuthFailedText = "Room authentication failed..."

// Store persists received comments and connection events.
type Store interface {
	InsertComment(c *database.CommentLog) error
	InsertConnectionEvent(ev *database.ConnectionEvent) error
}

// connection is the part of ws.Client the close policy drives.
type connection interface {
	Reconnect() error
	ReconnectWithBackoff()
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overlay) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source of the engine and measurer.
func WithClock(c marquee.Clock) Option {
	return func(o *Overlay) { o.clock = c }
}

// WithStore uses s instead of opening the configured database.
func WithStore(s Store) Option {
	return func(o *Overlay) { o.store = s }
}

// WithClientOptions passes extra options to the relay client.
func WithClientOptions(opts ...ws.Option) Option {
	return func(o *Overlay) { o.clientOpts = append(o.clientOpts, opts...) }
}

// Overlay connects to one room and feeds its comments into the engine.
type Overlay struct {
	cfg        *config.Config
	roomHash   string
	base       *slog.Logger
	logger     *slog.Logger
	clock      marquee.Clock
	clientOpts []ws.Option

	engine    *marquee.Engine
	reported  *marquee.ReportedMeasurer
	dashboard *dashboard.Dashboard
	store     Store

	mu   sync.Mutex
	conn connection
}

// New builds the engine, measurer and dashboard for cfg. Nothing is opened
// or dialed until Run.
func New(cfg *config.Config, opts ...Option) *Overlay {
	o := &Overlay{
		cfg:      cfg,
		roomHash: cfg.Room.AuthHash(),
		logger:   slog.Default(),
		clock:    marquee.SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}

	var measurer marquee.Measurer
	switch cfg.Marquee.Measure {
	case config.MeasureReported:
		o.reported = marquee.NewReportedMeasurer(cfg.Marquee.ViewportWidth)
		measurer = o.reported
	default:
		measurer = marquee.NewKinematicMeasurer(cfg.Marquee.ViewportWidth, cfg.Marquee.FontSize, cfg.Marquee.Duration, o.clock)
	}

	o.engine = marquee.NewEngine(cfg.Marquee.Duration, measurer,
		marquee.WithClock(o.clock),
		marquee.WithLogger(o.logger),
	)

	o.dashboard = dashboard.NewDashboard(cfg.Room.Name, cfg.Server.URL, o.logger)
	o.dashboard.SetPlacementSource(o.engine)
	o.dashboard.SetShareURL(cfg.Dashboard.ShareURL)
	o.dashboard.SetReconnectFunc(o.reconnect)
	if o.reported != nil {
		o.dashboard.SetGeometrySink(o.reported)
	}

	o.base = o.logger
	o.logger = o.logger.With("component", "overlay")
	return o
}

// Engine returns the lane assignment engine.
func (o *Overlay) Engine() *marquee.Engine { return o.engine }

// Dashboard returns the dashboard state.
func (o *Overlay) Dashboard() *dashboard.Dashboard { return o.dashboard }

// Run opens the comment log, connects to the relay and serves the dashboard
// until ctx is cancelled. Everything acquired here is released on return.
func (o *Overlay) Run(ctx context.Context) error {
	if o.store == nil {
		db, err := database.NewDB(o.cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if stats, err := db.GetAggregateStats(); err != nil {
			o.logger.Warn("failed to load historical stats", "error", err)
		} else {
			o.dashboard.LoadHistoricalStats(stats)
			o.logger.Info("loaded historical stats",
				"comments", stats.TotalComments, "today", stats.TodayComments)
		}
		o.dashboard.SetCommentSource(db)
		o.store = db
	}

	if o.reported != nil {
		unsubscribe := o.engine.Subscribe(o.reported.Retain)
		defer unsubscribe()
	}

	clientOpts := append([]ws.Option{
		ws.WithLogger(o.base),
		ws.WithBackoff(o.cfg.Reconnect.Base, o.cfg.Reconnect.Jitter),
	}, o.clientOpts...)
	client, err := ws.NewClient(o.cfg.Server.URL, o, clientOpts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	o.mu.Lock()
	o.conn = client
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if o.cfg.Dashboard.Enabled {
		g.Go(func() error {
			if err := o.dashboard.ServeHTTP(gctx, o.cfg.Dashboard.Address); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		// A failed first dial is reported through OnClose, which schedules
		// the backoff reconnect.
		if err := client.Connect(gctx); err != nil && !errors.Is(err, ws.ErrClosed) {
			o.logger.Warn("initial connect failed", "error", err)
		}
		<-gctx.Done()
		return client.Close()
	})

	return g.Wait()
}

// OnOpen sends the room authentication request before anything else.
func (o *Overlay) OnOpen(ctl ws.Control) {
	if err := ctl.Send(model.NewAcn(o.cfg.Room.Name, o.roomHash)); err != nil {
		o.logger.Error("failed to send acn", "error", err)
	}
	o.dashboard.UpdateConnectionStatus(true, 0)
	o.recordEvent(&database.ConnectionEvent{Kind: database.EventOpen})
	o.logger.Info("connected to room", "room", o.cfg.Room.Name)
}

// OnClose shows the close reason and decides whether to reconnect.
func (o *Overlay) OnClose(ev ws.CloseEvent) {
	o.dashboard.UpdateConnectionStatus(false, ev.Code)
	o.recordEvent(&database.ConnectionEvent{Kind: database.EventClose, Code: ev.Code, Reason: ev.Reason})

	switch ev.Code {
	case model.CloseNormal:
		o.logger.Info("connection closed normally")
	case model.CloseAuthFailed:
		o.logger.Warn("room authentication failed", "room", o.cfg.Room.Name)
		o.inject(AuthFailedText)
	default:
		o.logger.Warn("connection lost", "code", ev.Code, "reason", ev.Reason)
		o.inject(fmt.Sprintf("Connection lost (code %d). Reconnecting...", ev.Code))
		if c := o.connection(); c != nil {
			o.dashboard.RecordReconnect()
			c.ReconnectWithBackoff()
		}
	}
}

func (o *Overlay) OnError(err error) {
	o.logger.Warn("connection error", "error", err)
	o.dashboard.RecordError()
	o.recordEvent(&database.ConnectionEvent{Kind: database.EventError, Reason: err.Error()})
}

// OnMessage routes one relay message. Anything not handled here goes to the
// engine, which ignores what it cannot place.
func (o *Overlay) OnMessage(msg *model.Message) {
	switch msg.Type {
	case model.MsgTypeComment:
		o.dashboard.RecordComment()
		if o.store != nil {
			entry := &database.CommentLog{Room: o.cfg.Room.Name, Comment: msg.Comment, Pinned: msg.Pinned}
			if err := o.store.InsertComment(entry); err != nil {
				o.logger.Error("failed to log comment", "error", err)
			}
		}

	case model.MsgTypeApp:
		switch msg.Cmd {
		case model.AppCmdClear:
			o.logger.Info("clearing placements")
			o.engine.Clear()
			return
		case model.AppCmdReconnect:
			if err := o.reconnect(); err != nil {
				o.logger.Warn("reconnect failed", "error", err)
			}
			return
		default:
			o.logger.Debug("unknown app command", "cmd", msg.Cmd)
		}

	case model.MsgTypeError:
		o.logger.Warn("relay error", "error", msg.Error, "message", msg.Message)
		o.dashboard.RecordError()
	}

	o.engine.OnMessage(msg)
}

func (o *Overlay) reconnect() error {
	c := o.connection()
	if c == nil {
		return ws.ErrClosed
	}
	o.dashboard.RecordReconnect()
	return c.Reconnect()
}

func (o *Overlay) connection() connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

func (o *Overlay) inject(text string) {
	o.engine.OnMessage(model.NewComment(text))
}

func (o *Overlay) recordEvent(ev *database.ConnectionEvent) {
	if o.store == nil {
		return
	}
	if err := o.store.InsertConnectionEvent(ev); err != nil {
		o.logger.Error("failed to log connection event", "kind", ev.Kind, "error", err)
	}
}
