package cmd

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/realtime"
	"github.com/yeremiapane/restaurant-reservations/store"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

// watchOptions is the floor-client side of the system: it logs in, mirrors
// the server into a local store and keeps it in sync over the websocket.
type watchOptions struct {
	server   string
	email    string
	password string
	role     string
	date     string
	rules    string
}

func newWatchCmd() *cobra.Command {
	var o watchOptions

	c := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a server's reservations and log every change as it arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(os.Getenv("LOG_LEVEL"))
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, o, utils.InfoLogger)
		},
	}

	c.Flags().StringVar(&o.server, "server", "http://localhost:8080", "server base URL")
	c.Flags().StringVar(&o.email, "email", "", "staff login email")
	c.Flags().StringVar(&o.password, "password", "", "staff password")
	c.Flags().StringVar(&o.role, "role", "waiter", "role used for local transition checks")
	c.Flags().StringVar(&o.date, "date", "", "only mirror this service day (YYYY-MM-DD)")
	c.Flags().StringVar(&o.rules, "rules", "", "YAML rule file for local availability checks")
	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("password")
	return c
}

func runWatch(ctx context.Context, o watchOptions, log logrus.FieldLogger) error {
	rs, err := loadRules(o.rules)
	if err != nil {
		return err
	}

	var token string
	api := apiclient.New(o.server, func(context.Context) (string, error) { return token, nil })
	if token, err = api.Login(ctx, o.email, o.password); err != nil {
		return err
	}

	wsURL, err := websocketURL(o.server)
	if err != nil {
		return err
	}
	ch := realtime.NewChannel(realtime.Config{URL: wsURL}, realtime.WebsocketDialer{},
		realtime.StaticToken(token), realtime.WithLogger(log))
	d := realtime.NewDispatcher(log)
	d.Attach(ctx, ch)

	st := store.New(api, store.Config{
		Rules:   rs,
		Role:    lifecycle.RoleFromStaff(o.role),
		Date:    o.date,
		Channel: ch,
		Log:     log,
	})
	go logStreams(ctx, d, st, log)

	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx, d) }()

	if err := ch.Connect(ctx); err != nil {
		log.WithError(err).Warn("initial connect failed, retrying in the background")
	}
	defer ch.Disconnect()

	// Loaded after the socket is up so nothing pushed in between is missed.
	if err := st.Load(ctx); err != nil {
		return err
	}
	log.WithField("reservations", len(st.Reservations())).
		WithField("tables", len(st.Tables())).
		Info("initial snapshot loaded")

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logStreams(ctx context.Context, d *realtime.Dispatcher, st *store.Store, log logrus.FieldLogger) {
	reservations := d.Reservations(ctx)
	tables := d.Tables(ctx)
	alerts := d.Alerts(ctx)
	states := d.ConnectionStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-reservations:
			if !ok {
				return
			}
			log.WithField("event", ev.Kind()).WithField("at", ev.At().Format(time.RFC3339)).Info("reservation event")
		case ev, ok := <-tables:
			if !ok {
				return
			}
			log.WithField("event", ev.Kind()).WithField("table_id", ev.TableID()).Info("table event")
		case a, ok := <-alerts:
			if !ok {
				return
			}
			log.WithField("level", a.Level).Warn(a.Message)
		case s, ok := <-states:
			if !ok {
				return
			}
			entry := log.WithField("from", s.From.String()).WithField("to", s.To.String()).WithField("attempt", s.Attempt)
			if s.Err != nil {
				entry = entry.WithError(s.Err)
			}
			entry.Info("connection state")
		case f := <-st.Failures():
			log.WithError(f).WithField("kind", f.Kind.String()).Warn("mutation failed")
		}
	}
}

// websocketURL turns http://host into ws://host/ws.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
