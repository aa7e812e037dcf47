package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"advisly/booking/internal/availability"
	"advisly/booking/internal/booking"
	"advisly/booking/internal/cache"
	"advisly/booking/internal/cache/sqlcache"
	"advisly/booking/internal/calendar"
	"advisly/booking/internal/config"
	"advisly/booking/internal/domain"
	"advisly/booking/internal/reservation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the configured components together for one command run.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	store   cache.Store
	gateway *calendar.Gateway
	scanner *availability.Scanner
	booking *booking.Service

	closeFns []func()
}

func buildApp() (*app, error) {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "advisly-slots"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		return nil, err
	}

	log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "advisly-slots"),
	)
	slog.SetDefault(log)

	a := &app{cfg: cfg, log: log}

	a.store = cache.NewMemoryStore()
	if cfg.CacheDatabaseURL != "" {
		log.Info("connecting to shared cache", databaseLogArgs(cfg.CacheDatabaseURL)...)
		db, err := sqlcache.Open(cfg.CacheDatabaseURL, sqlcache.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.CacheDatabaseURL)...)
			log.Error("cache database connection failed", args...)
			return nil, err
		}
		a.closeFns = append(a.closeFns, func() {
			if err := sqlcache.Close(db); err != nil {
				log.Warn("cache database close failed", slog.Any("err", err))
			}
		})

		sqlStore := sqlcache.New(db, log)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			log.Error("cache schema setup failed", slog.Any("err", err))
			a.close()
			return nil, err
		}
		a.store = sqlStore
	}

	provider := calendar.NewClient(calendar.ClientOptions{
		BaseURL: cfg.ProviderBaseURL,
		Token:   cfg.ProviderToken,
		Timeout: cfg.ProviderTimeout,
		Logger:  log,
	})

	a.gateway = calendar.NewGateway(provider, calendar.Options{
		Store:       a.store,
		DailyQuota:  cfg.QuotaDailyLimit,
		MinInterval: cfg.RateMinInterval,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxPages:    cfg.ListMaxPages,
		PageSize:    cfg.ListPageSize,
		Location:    cfg.Timezone,
		Logger:      log,
	})

	a.scanner = availability.NewScanner(a.gateway, availability.Options{
		Open:       cfg.WorkdayOpen,
		Close:      cfg.WorkdayClose,
		SlotLength: cfg.SlotDuration,
		ScanStep:   cfg.ScanStep,
		BrowseTTL:  cfg.BrowseTTL,
		Location:   cfg.Timezone,
		Store:      a.store,
		Logger:     log,
	})

	locks := reservation.NewLockTable(cfg.LockTTL, log)
	a.booking = booking.NewService(locks, a.scanner, a.gateway, booking.Options{
		SlotLength: cfg.SlotDuration,
		Location:   cfg.Timezone,
		Logger:     log,
	})

	return a, nil
}

func (a *app) close() {
	for _, fn := range a.closeFns {
		fn()
	}
}

// withApp builds the app for a command run and tears it down afterwards.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return fn(ctx, a, cmd, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "advisly-slots",
		Short:         "Browse, verify and book consultation slots",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("subject", "", "calendar id of the advisor, e.g. berater-A")

	root.AddCommand(newPingCmd())
	root.AddCommand(newDayCmd())
	root.AddCommand(newMonthCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newBookCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newPurgeCmd())
	return root
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Verify provider reachability and report remaining quota",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.gateway.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("provider reachable, %d calls left today\n", a.gateway.QuotaRemaining())
			return nil
		}),
	}
}

func newDayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "day",
		Short: "List free slots for one day, grouped by time of day",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			subject, err := requiredSubject(cmd)
			if err != nil {
				return err
			}
			day, err := parseDateFlag(cmd, a.cfg.Timezone)
			if err != nil {
				return err
			}

			slots, err := a.scanner.FreeSlotsForDay(ctx, subject, day)
			if err != nil {
				return err
			}

			if slots.Total() == 0 {
				fmt.Printf("no free slots for %s on %s\n", subject, day.Format("2006-01-02"))
				return nil
			}
			printGroup("morning", slots.Morning, a.scanner.SlotLength())
			printGroup("midday", slots.Midday, a.scanner.SlotLength())
			printGroup("evening", slots.Evening, a.scanner.SlotLength())
			return nil
		}),
	}
	cmd.Flags().String("date", "", "day to scan, YYYY-MM-DD")
	return cmd
}

func newMonthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "month",
		Short: "Count free slots per weekday of a month",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			subject, err := requiredSubject(cmd)
			if err != nil {
				return err
			}
			year, _ := cmd.Flags().GetInt("year")
			monthNum, _ := cmd.Flags().GetInt("month")
			now := time.Now().In(a.cfg.Timezone)
			if year == 0 {
				year = now.Year()
			}
			if monthNum == 0 {
				monthNum = int(now.Month())
			}

			counts, err := a.scanner.FreeSlotCountsForMonth(ctx, subject, year, time.Month(monthNum))
			if err != nil {
				return err
			}

			dates := make([]string, 0, len(counts))
			for d := range counts {
				dates = append(dates, d)
			}
			sort.Strings(dates)
			for _, d := range dates {
				fmt.Printf("%s  %d free\n", d, counts[d])
			}
			return nil
		}),
	}
	cmd.Flags().Int("year", 0, "year to scan (default: current)")
	cmd.Flags().Int("month", 0, "month to scan, 1-12 (default: current)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Re-verify one slot against a fresh listing",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			subject, err := requiredSubject(cmd)
			if err != nil {
				return err
			}
			day, err := parseDateFlag(cmd, a.cfg.Timezone)
			if err != nil {
				return err
			}
			start, err := parseTimeFlag(cmd)
			if err != nil {
				return err
			}

			free, err := a.scanner.IsSlotFree(ctx, subject, day, start)
			if err != nil {
				return err
			}
			if free {
				fmt.Printf("%s %s %s: free\n", subject, day.Format("2006-01-02"), start)
			} else {
				fmt.Printf("%s %s %s: not available\n", subject, day.Format("2006-01-02"), start)
			}
			return nil
		}),
	}
	cmd.Flags().String("date", "", "day of the slot, YYYY-MM-DD")
	cmd.Flags().String("time", "", "start of the slot, HH:MM")
	return cmd
}

func newBookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book one slot",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			subject, err := requiredSubject(cmd)
			if err != nil {
				return err
			}
			day, err := parseDateFlag(cmd, a.cfg.Timezone)
			if err != nil {
				return err
			}
			start, err := parseTimeFlag(cmd)
			if err != nil {
				return err
			}
			summary, _ := cmd.Flags().GetString("summary")
			description, _ := cmd.Flags().GetString("description")

			created, err := a.booking.Book(ctx, booking.Request{
				Subject:     subject,
				Day:         day,
				Start:       start,
				Summary:     summary,
				Description: description,
			})
			switch {
			case errors.Is(err, reservation.ErrSlotLocked):
				return fmt.Errorf("another booking for this slot is in progress, try again shortly")
			case errors.Is(err, booking.ErrSlotTaken):
				return fmt.Errorf("slot was taken in the meantime, run 'day' for fresh availability")
			case err != nil:
				return err
			}

			fmt.Printf("booked %s %s %s (event %s)\n", subject, day.Format("2006-01-02"), start, created.ID)
			return nil
		}),
	}
	cmd.Flags().String("date", "", "day of the slot, YYYY-MM-DD")
	cmd.Flags().String("time", "", "start of the slot, HH:MM")
	cmd.Flags().String("summary", "Consultation", "event title")
	cmd.Flags().String("description", "", "event description")
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a booked slot",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			subject, err := requiredSubject(cmd)
			if err != nil {
				return err
			}
			day, err := parseDateFlag(cmd, a.cfg.Timezone)
			if err != nil {
				return err
			}
			eventID, _ := cmd.Flags().GetString("event-id")

			if err := a.booking.Cancel(ctx, subject, day, eventID); err != nil {
				return err
			}
			fmt.Printf("cancelled event %s\n", eventID)
			return nil
		}),
	}
	cmd.Flags().String("date", "", "day of the booking, YYYY-MM-DD")
	cmd.Flags().String("event-id", "", "id of the event to cancel")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop expired cache entries",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			purged, err := a.store.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d expired cache entries\n", purged)
			return nil
		}),
	}
}

func requiredSubject(cmd *cobra.Command) (string, error) {
	subject, _ := cmd.Flags().GetString("subject")
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("--subject is required")
	}
	return subject, nil
}

func parseDateFlag(cmd *cobra.Command, loc *time.Location) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("date")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("--date is required")
	}
	day, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, want YYYY-MM-DD", raw)
	}
	return day, nil
}

func parseTimeFlag(cmd *cobra.Command) (domain.Clock, error) {
	raw, _ := cmd.Flags().GetString("time")
	if strings.TrimSpace(raw) == "" {
		return domain.Clock{}, fmt.Errorf("--time is required")
	}
	return domain.ParseClock(raw)
}

func printGroup(name string, slots []domain.FreeSlot, slotLen time.Duration) {
	if len(slots) == 0 {
		return
	}
	fmt.Printf("%s:\n", name)
	for _, s := range slots {
		fmt.Printf("  %s - %s\n", s.Start.Format("15:04"), s.Start.Add(slotLen).Format("15:04"))
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
