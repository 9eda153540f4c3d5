// Command example is a small terminal client for a staybook deployment.
//
//	example -config staybook.yaml signin ana@example.com secret123
//	example listings -mine
//	example upload -title "Lake House" -phone 5551234 -desc "By the lake" a.jpg b.jpg
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aadithya-v/staybook"
	"github.com/aadithya-v/staybook/gotrue"
	"github.com/aadithya-v/staybook/objectstore/s3"
	"github.com/aadithya-v/staybook/postgres"
)

const usage = `usage: example [-config file] <command> [args]

commands:
  signup <email> <password>
  signin <email> <password>
  signout
  whoami
  listings [-mine] [-featured]
  upload -title T -phone P [-desc D] <image>...
  delete <listing-id>
  moderate-listing <listing-id> <verify|suspend|activate|feature|unfeature|delete>
  moderate-user <user-id> <verify|suspend|activate> [reason]
  stats
  host
  confirm <booking-id>
  reject <booking-id>
`

type app struct {
	client *staybook.Client
	logger *zap.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return a.dispatch(ctx, flag.Arg(0), flag.Args()[1:])
}

func newLogger(cfg logConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// setup wires the remote adapters and the local store into a Client.
func setup(ctx context.Context, cfg *fileConfig) (*app, func(), error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
		_ = logger.Sync()
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, nil, err
	}

	cfg.Auth.Logger = logger
	auth, err := gotrue.New(cfg.Auth)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, auth.Close)

	objects, err := s3.NewFromConfig(ctx, cfg.Storage.Config)
	if err != nil {
		return fail(err)
	}

	records, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, records.Close)

	if cfg.Postgres.Migrate {
		if err := records.Migrate(); err != nil {
			return fail(err)
		}
	}

	local, err := openLocal(cfg.Local)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, local.Close)

	client, err := staybook.New(staybook.Config{
		Auth:            auth,
		Storage:         objects,
		Records:         records,
		SessionStore:    local,
		SessionKey:      cfg.Local.SessionKey,
		ImageBucket:     cfg.Storage.Bucket,
		ImagePathPrefix: cfg.Storage.Prefix,
		MaxImageBytes:   cfg.Storage.MaxBytes,
		RefreshTimeout:  cfg.RefreshTimeout,
		UserAgent:       cfg.UserAgent,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, client.Close)

	if err := client.Initialize(ctx); err != nil {
		logger.Warn("auth watch unavailable", zap.Error(err))
	}

	// A fresh process only knows the persisted session; hand its tokens
	// back to the provider so sign-out and refresh work.
	if sess := client.Sessions.Current(); sess != nil {
		auth.SetSession(&staybook.RemoteSession{
			UserID:       sess.UserID,
			Email:        sess.Email,
			IssuedAt:     sess.IssuedAt,
			ExpiresAt:    sess.ExpiresAt,
			AccessToken:  sess.Token.AccessToken,
			RefreshToken: sess.Token.RefreshToken,
		})
	}

	return &app{client: client, logger: logger}, cleanup, nil
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "signup":
		return a.signUp(ctx, args)
	case "signin":
		return a.signIn(ctx, args)
	case "signout":
		return a.client.Sessions.SignOut(ctx)
	case "whoami":
		return a.whoAmI()
	case "listings":
		return a.listings(ctx, args)
	case "upload":
		return a.upload(ctx, args)
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: delete <listing-id>")
		}
		return a.deleteListing(ctx, args[0])
	case "moderate-listing":
		if len(args) != 2 {
			return errors.New("usage: moderate-listing <listing-id> <action>")
		}
		return a.client.Moderation.ModerateListing(ctx, args[0], staybook.ListingAction(args[1]))
	case "moderate-user":
		if len(args) < 2 {
			return errors.New("usage: moderate-user <user-id> <action> [reason]")
		}
		return a.client.Moderation.ModerateUser(ctx, args[0], staybook.UserAction(args[1]), strings.Join(args[2:], " "))
	case "stats":
		return a.stats(ctx)
	case "host":
		return a.host(ctx)
	case "confirm", "reject":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <booking-id>", cmd)
		}
		if cmd == "confirm" {
			return a.client.Host.ConfirmBooking(ctx, args[0])
		}
		return a.client.Host.RejectBooking(ctx, args[0])
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *app) signUp(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: signup <email> <password>")
	}
	if err := a.client.Sessions.SignUp(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Println("Account created. Check your inbox to confirm it, then sign in.")
	return nil
}

func (a *app) signIn(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: signin <email> <password>")
	}
	sess, err := a.client.Sessions.SignIn(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s)\n", sess.Email, sess.UserID)
	return nil
}

func (a *app) whoAmI() error {
	sess := a.client.Sessions.Current()
	if sess == nil {
		fmt.Println("Not signed in.")
		return nil
	}
	fmt.Printf("%s (%s)\n", sess.Email, sess.UserID)
	fmt.Printf("device:  %s on %s (%s)\n", sess.Device.Browser, sess.Device.OS, sess.Device.DeviceType)
	if !sess.ExpiresAt.IsZero() {
		fmt.Printf("expires: %s\n", sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func (a *app) listings(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listings", flag.ContinueOnError)
	mine := fs.Bool("mine", false, "Only listings owned by the current user")
	featured := fs.Bool("featured", false, "Only featured listings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := staybook.ListingFilter{Status: staybook.StatusActive}
	if *featured {
		filter.Featured = featured
	}
	if *mine {
		sess := a.client.Sessions.Current()
		if sess == nil {
			return staybook.ErrNotAuthenticated
		}
		filter = staybook.ListingFilter{OwnerID: sess.UserID}
	}

	items, err := a.client.Listings.Refresh(ctx, filter)
	if err != nil {
		if staybook.IsSchemaMissing(err) {
			return fmt.Errorf("%w (run with postgres.migrate: true once)", err)
		}
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tVERIFIED\tFEATURED\tIMAGES\tCREATED\tCOVER")
	for _, l := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d\t%s\t%s\n",
			l.ID, l.Title, l.Status, l.Verified, l.Featured, len(l.ImageURLs),
			l.CreatedAt.Local().Format("2006-01-02"), l.CoverURL())
	}
	return w.Flush()
}

func (a *app) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	title := fs.String("title", "", "Listing title")
	desc := fs.String("desc", "", "Listing description")
	phone := fs.String("phone", "", "Contact phone")
	if err := fs.Parse(args); err != nil {
		return err
	}

	draft := staybook.Draft{Title: *title, Description: *desc, Phone: *phone}
	for _, path := range fs.Args() {
		draft.Images = append(draft.Images, staybook.FileImage(path))
	}

	up, err := a.client.Uploads.Begin(draft)
	if err != nil {
		return err
	}
	up.OnProgress(func(p staybook.UploadProgress) {
		fmt.Printf("\r%-16s %3d%% (%d/%d)", p.Stage, p.Percent, p.Completed, p.Total)
	})

	record, err := up.Submit(ctx)
	fmt.Println()
	if err == nil {
		fmt.Printf("Created listing %s with %d images\n", record.ID, len(record.ImageURLs))
		return nil
	}

	// Give the record one more chance before discarding the images.
	if up.State().FailedStage == staybook.StageCreatingRecord {
		a.logger.Warn("creating listing failed, retrying", zap.Error(err))
		if record, err = up.RetryRecord(ctx); err == nil {
			fmt.Printf("Created listing %s with %d images\n", record.ID, len(record.ImageURLs))
			return nil
		}
	}

	if up.State().Stage == staybook.StageFailed {
		if cerr := up.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("removing uploaded images failed", zap.Error(cerr))
		}
	}
	if aerr := up.Abandon(); aerr != nil {
		a.logger.Warn("abandoning upload failed", zap.Error(aerr))
	}
	return err
}

// deleteListing loads the user's listings first: only a cached listing
// the user owns can be removed.
func (a *app) deleteListing(ctx context.Context, id string) error {
	sess := a.client.Sessions.Current()
	if sess == nil {
		return staybook.ErrNotAuthenticated
	}
	if _, err := a.client.Listings.Refresh(ctx, staybook.ListingFilter{OwnerID: sess.UserID}); err != nil {
		return err
	}
	if err := a.client.Listings.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted listing %s\n", id)
	return nil
}

func (a *app) stats(ctx context.Context) error {
	s, err := a.client.Moderation.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("listings:              %d\n", s.TotalListings)
	fmt.Printf("pending verifications: %d\n", s.PendingVerifications)
	fmt.Printf("users:                 %d\n", s.TotalUsers)
	return nil
}

func (a *app) host(ctx context.Context) error {
	s, err := a.client.Host.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("listings: %d  pending: %d  confirmed: %d\n", s.TotalListings, s.PendingBookings, s.ConfirmedBookings)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BOOKING\tLISTING\tGUEST\tSTATUS\tCREATED")
	for _, b := range s.RecentBookings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.ListingID, b.GuestID, b.Status, b.CreatedAt.Local().Format("2006-01-02"))
	}
	return w.Flush()
}
