package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/sms-backup/internal/archive"
	"github.com/nhle/sms-backup/internal/keys"
	"github.com/nhle/sms-backup/internal/metrics"
	"github.com/nhle/sms-backup/internal/store"
	appsync "github.com/nhle/sms-backup/internal/sync"
	"github.com/nhle/sms-backup/internal/theme"
	"github.com/nhle/sms-backup/internal/ui/progress"
	"github.com/nhle/sms-backup/internal/ui/setup"
)

const shutdownTimeout = 5 * time.Second

type beginFunc func(*appsync.Engine, context.Context) error

func cmdBackup(ctx context.Context, a *app) error {
	return a.runEngine(ctx, "Backup", (*appsync.Engine).BeginBackup)
}

func cmdRestore(ctx context.Context, a *app) error {
	return a.runEngine(ctx, "Restore", (*appsync.Engine).BeginRestore)
}

// runEngine runs one backup or restore. A signal asks the engine to stop
// after the batch in flight rather than aborting it.
func (a *app) runEngine(ctx context.Context, title string, begin beginFunc) error {
	if ctx.Err() != nil {
		fmt.Fprintf(a.stdout, "%s: not started\n", title)
		return appsync.ErrCanceled
	}

	e := a.engine()

	var prog *tea.Program
	if a.opts.tui {
		prog = tea.NewProgram(progress.New(title, e, keys.DefaultKeyMap()), tea.WithAltScreen())
		remove := e.AddObserver(progress.NewObserver(prog.Send))
		defer remove()
	}

	if err := begin(e, context.WithoutCancel(ctx)); err != nil {
		return err
	}
	// Cancel only sticks to a running engine, so this is armed after
	// begin. A signal that already arrived fires it at once.
	stop := context.AfterFunc(ctx, e.Cancel)
	defer stop()

	var err error
	if prog != nil {
		err = waitWithProgress(e, prog)
	} else {
		err = e.Wait()
	}

	fmt.Fprintf(a.stdout, "%s: %s\n", title, e.State())
	return err
}

// waitWithProgress shows the progress view until the run ends.
func waitWithProgress(e *appsync.Engine, prog *tea.Program) error {
	var runErr error
	var g errgroup.Group
	g.Go(func() error {
		_, err := prog.Run()
		return err
	})
	g.Go(func() error {
		runErr = e.Wait()
		// The view quits by itself on the final state; this covers a view
		// that missed it.
		prog.Quit()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	return runErr
}

func cmdWatch(ctx context.Context, a *app) error {
	e := a.engine()
	w := appsync.NewWatcher(e, a.store, a.prefs, a.log)

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.opts.metricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			a.log.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		err := w.Run(gctx)
		e.Cancel()
		e.Wait()
		return err
	})

	return g.Wait()
}

func formatTimestamp(ts int64) string {
	if ts < 0 {
		return "never"
	}
	return time.UnixMilli(ts).Local().Format(time.DateTime) + " (" + strconv.FormatInt(ts, 10) + ")"
}

func cmdStatus(ctx context.Context, a *app) error {
	cursor := a.prefs.MaxSyncedDate()
	groups, groupName := a.prefs.ContactGroups()

	pending, err := a.store.CountNewer(ctx, cursor, store.RecordFilter{Groups: groups, GroupName: groupName})
	if err != nil {
		return err
	}
	newest, err := a.store.MaxTimestamp(ctx)
	if err != nil {
		return err
	}
	runs, err := a.store.RecentRuns(ctx, 5)
	if err != nil {
		return err
	}

	user := a.prefs.LoginUser()
	if user == "" {
		user = "(not configured)"
	}

	lines := []struct{ label, value string }{
		{"Account", user},
		{"Folder", a.prefs.Folder()},
		{"Backed up", formatTimestamp(cursor)},
		{"Newest", formatTimestamp(newest)},
		{"Pending", strconv.Itoa(pending)},
		{"Auto sync", strconv.FormatBool(a.prefs.AutoSync())},
	}
	for _, l := range lines {
		fmt.Fprintln(a.stdout, theme.LabelStyle.Render(l.label)+l.value)
	}

	if len(runs) == 0 {
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("STARTED", "KIND", "STATE", "RECORDS", "ERROR")
	for _, r := range runs {
		t.Row(
			r.StartedAt.Local().Format(time.DateTime),
			r.Kind,
			r.State,
			strconv.Itoa(r.Records),
			r.Error,
		)
	}
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, t.Render())
	return nil
}

func cmdConfigure(ctx context.Context, a *app) error {
	v := setup.FromPrefs(a.prefs)

	existing, err := a.prefs.Password()
	if err != nil {
		a.log.Warn().Err(err).Msg("could not read stored password")
	}

	if err := setup.NewForm(&v, existing != "").RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("aborted")
		}
		return err
	}

	if !a.opts.noVerify {
		password := v.Password
		if password == "" {
			password = existing
		}
		fmt.Fprintln(a.stdout, "Testing login…")
		if err := setup.Verify(ctx, a.dialer(), v, password); err != nil {
			return fmt.Errorf("login test failed (use --no-verify to save anyway): %w", err)
		}
	}

	if err := setup.Apply(a.prefs, v); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Saved %s\n", a.prefs.Path())
	return nil
}

func cmdExport(ctx context.Context, a *app) error {
	path := a.opts.mboxPath
	if path == "" {
		return errors.New("--mbox is required")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)

	self := a.prefs.LoginUser()
	if self == "" {
		self = "me@" + a.prefs.MessageDomain()
	}

	n, err := archive.ExportMbox(ctx, bw, a.store, a.serializer(), self, a.log)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("exporting to %s: %w", path, err)
	}

	fmt.Fprintf(a.stdout, "Exported %d messages to %s\n", n, path)
	return nil
}
