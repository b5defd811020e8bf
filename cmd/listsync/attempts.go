package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/attempts"
)

var (
	attemptsListEmail string
	attemptsListLimit int
	attemptsPruneAge  time.Duration
	attemptsPruneAll  bool
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Subscription attempt log commands",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded subscription attempts, newest first",
	RunE:  runAttemptsList,
}

var attemptsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old subscription attempts",
	Long: `Delete subscription attempts older than --max-age. One batch of at most
1000 rows is deleted unless --all is given.`,
	RunE: runAttemptsPrune,
}

func init() {
	attemptsListCmd.Flags().StringVar(&attemptsListEmail, "email", "", "Filter by email")
	attemptsListCmd.Flags().IntVar(&attemptsListLimit, "limit", 50, "Maximum number of attempts to show")

	attemptsPruneCmd.Flags().DurationVar(&attemptsPruneAge, "max-age", 0, "Retention (default from config)")
	attemptsPruneCmd.Flags().BoolVar(&attemptsPruneAll, "all", false, "Repeat until nothing is left to delete")

	attemptsCmd.AddCommand(attemptsListCmd, attemptsPruneCmd)
	rootCmd.AddCommand(attemptsCmd)
}

func runAttemptsList(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.Attempts.List(context.Background(), attempts.Filter{
		Email: attemptsListEmail,
		Limit: attemptsListLimit,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tLISTS\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t-------")

	for _, a := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			a.ID,
			a.Email,
			truncate(strings.Join(a.ListIDs, ","), 40),
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	return nil
}

func runAttemptsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := attempts.Open(cfg.Attempts.Path)
	if err != nil {
		return fmt.Errorf("failed to open attempts log: %w", err)
	}
	defer log.Close()

	maxAge := attemptsPruneAge
	if maxAge == 0 {
		maxAge = cfg.Attempts.MaxAge
	}

	ctx := context.Background()
	var total int64
	for {
		deleted, err := log.Prune(ctx, maxAge, cfg.Attempts.BatchSize)
		if err != nil {
			return err
		}
		total += deleted
		if !attemptsPruneAll || deleted == 0 {
			break
		}
	}

	fmt.Printf("Deleted %d attempts older than %s\n", total, maxAge)
	return nil
}
