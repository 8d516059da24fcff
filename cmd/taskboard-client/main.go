package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/clientsync"
	"github.com/agentworkforce/taskboard/internal/localcache"
	"github.com/agentworkforce/taskboard/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskboard-client",
		Short:         "Offline-first task board client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindClientFlags(root)
	root.AddCommand(
		newRunCmd(),
		newListCmd(),
		newAddCmd(),
		newMoveCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
	)
	return root
}

func setup(cmd *cobra.Command) (clientConfig, *log.Logger, error) {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return clientConfig{}, nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return clientConfig{}, nil, err
	}
	return cfg, logger, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local board in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}
}

func runDaemon(ctx context.Context, cfg clientConfig, logger log.FieldLogger) error {
	sess, err := openSyncSession(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	logger.WithFields(log.Fields{
		"server": cfg.ServerURL,
		"cache":  cfg.CachePath,
		"token":  cfg.TokenFile,
	}).Info("taskboard client started")

	go watchReachability(ctx, tcpProbe(cfg.ProbeAddr, cfg.ProbeTimeout), sess.manager, cfg.ProbeInterval, cfg.ProbeJitter, logger)

	err = clientsync.NewIdentityWatcher(cfg.TokenFile, sess, logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("taskboard client stopped")
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the cached board without contacting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			return listCached(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func listCached(ctx context.Context, cfg clientConfig, out io.Writer) error {
	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	owner, err := clientsync.OwnerFromToken(strings.TrimSpace(string(raw)))
	if err != nil {
		return err
	}
	cache, err := localcache.Open(cfg.CachePath)
	if err != nil {
		return err
	}
	defer cache.Close()
	entries, err := cache.LoadAllForOwner(ctx, owner)
	if err != nil {
		return err
	}
	printEntries(out, entries)
	return nil
}

func printEntries(out io.Writer, entries []localcache.Entry) {
	order := map[board.Column]int{}
	for i, column := range board.Columns {
		order[column] = i
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Task, entries[j].Task
		if a.Column != b.Column {
			return order[a.Column] < order[b.Column]
		}
		return a.Position < b.Position
	})
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tPOS\tID\tTITLE\tSYNCED")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\n", entry.Task.Column, entry.Task.Position, entry.Task.ID, entry.Task.Title, entry.Confirmed)
	}
	_ = tw.Flush()
}

// oneShot logs in from the token file, applies fn and waits for the queue to
// drain. Anything the server did not receive stays queued for the next run.
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, client *clientsync.Client) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CommandTimeout)
	defer cancel()

	sess, err := openSyncSession(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.loginFromFile(ctx, cfg.TokenFile); err != nil {
		return err
	}
	if err := fn(ctx, sess.client); err != nil {
		return err
	}
	if pending := sess.drain(ctx); pending > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d change(s) queued until the server is reachable\n", pending)
	}
	return nil
}

func newAddCmd() *cobra.Command {
	var column, description string
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, client *clientsync.Client) error {
				var desc *string
				if cmd.Flags().Changed("description") {
					desc = board.StringPtr(description)
				}
				task, err := client.AddTask(ctx, args[0], desc, board.Column(column))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), task.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", string(board.ColumnTodo), "target column")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	return cmd
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move ID COLUMN INDEX",
		Short: "Move a task to a column position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[2], err)
			}
			return oneShot(cmd, func(ctx context.Context, client *clientsync.Client) error {
				return client.MoveTask(ctx, args[0], board.Column(args[1]), index)
			})
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a task's title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields board.TaskFields
			if cmd.Flags().Changed("title") {
				fields.Title = board.StringPtr(title)
			}
			if cmd.Flags().Changed("description") {
				fields.Description = board.StringPtr(description)
			}
			return oneShot(cmd, func(ctx context.Context, client *clientsync.Client) error {
				return client.UpdateTask(ctx, args[0], fields)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, client *clientsync.Client) error {
				return client.DeleteTask(ctx, args[0])
			})
		},
	}
}
