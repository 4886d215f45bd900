package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/sniffle/internal/config"
	"github.com/bryan-buckman/sniffle/internal/model"
	"github.com/bryan-buckman/sniffle/internal/server"
	"github.com/bryan-buckman/sniffle/internal/syncer"
)

const shutdownTimeout = 15 * time.Second

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	idleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func main() {
	cmd, cleanup := newRootCmd()
	err := cmd.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The returned cleanup releases whatever
// the executed command opened and must run after Execute, even on error.
func newRootCmd() (*cobra.Command, func()) {
	var (
		configFile string
		logLevel   string
		a          *app
	)

	rootCmd := &cobra.Command{
		Use:          "sniffle",
		Short:        "A personal feed reader",
		Long:         "Subscribe to RSS, Atom and RDF feeds, keep them in sync and serve them over a JSON API.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if configFile != "" {
				files = append(files, configFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a, err = newApp(cmd.Context(), cfg, nil)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to an HCL config file (default ./sniffle.hcl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	getApp := func() *app { return a }
	rootCmd.AddCommand(
		newServeCmd(getApp),
		newSyncCmd(getApp),
		newAddCmd(getApp),
		newImportCmd(getApp),
		newExportCmd(getApp),
		newLogCmd(getApp),
	)
	cleanup := func() {
		if a != nil {
			a.Close()
		}
	}
	return rootCmd, cleanup
}

func newServeCmd(getApp func() *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the background sync loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := syncer.NewScheduler(a.syncer, a.settings, nil, a.logger)
			sched.Start(ctx)
			defer sched.Stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						sched.Trigger()
					}
				}
			}()

			srv := server.New(server.Deps{
				Store:      a.store,
				Feeds:      a.feeds,
				Refresher:  a.syncer,
				Settings:   a.settings,
				Discoverer: a.discoverer,
				Logger:     a.logger,
			})
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newSyncCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass over every feed and report the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, err := getApp().syncer.SyncAll(ctx)
			if run != nil {
				printRun(cmd.OutOrStdout(), run)
			}
			return err
		},
	}
}

func printRun(w io.Writer, run *syncer.RunResult) {
	failed := 0
	for _, f := range run.Feeds {
		status := fmt.Sprintf("%-13s", f.Status)
		switch f.Status {
		case model.SyncOK:
			status = okStyle.Render(status)
		case model.SyncNotModified:
			status = idleStyle.Render(status)
		default:
			status = errorStyle.Render(status)
			failed++
		}
		fmt.Fprintf(w, "%s %s", status, f.URL)
		if f.Message != "" {
			fmt.Fprintf(w, "  %s", f.Message)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d feeds, %d new articles, %d failed in %s\n",
		len(run.Feeds), run.NewArticles(), failed, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
}

func newAddCmd(getApp func() *app) *cobra.Command {
	var folder, title string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe to a feed, discovering it from a page URL if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := getApp().feeds.Subscribe(cmd.Context(), args[0], title, folder)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to %s (%s, id %d)\n", sub.Feed.URL, sub.Type, sub.Feed.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Folder to file the feed under")
	cmd.Flags().StringVar(&title, "title", "", "Display title (default: the feed's own title)")
	return cmd
}

func newImportCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import subscriptions from an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := getApp().feeds.ImportOPML(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d feeds, skipped %d already subscribed\n", res.Imported, res.Skipped)
			for _, msg := range res.Errors {
				fmt.Fprintln(out, errorStyle.Render("error:"), msg)
			}
			return nil
		},
	}
}

func newExportCmd(getApp func() *app) *cobra.Command {
	var outPath, title string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export subscriptions as OPML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := getApp().feeds.ExportOPML(cmd.Context(), title)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringVar(&title, "title", "Sniffle Feeds", "OPML document title")
	return cmd
}

func newLogCmd(getApp func() *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <feedID>",
		Short: "Show recent sync outcomes for a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.New("feedID must be a number")
			}
			a := getApp()
			feed, err := a.store.FeedByID(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("feed %d: %w", id, err)
			}
			entries, err := a.store.SyncLog(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", feed.Title, feed.URL)
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-12s %s\n", e.RunAt.Local().Format(time.DateTime), e.Status, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	return cmd
}
