package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var intentsListLimit int

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Subscription intent queue commands",
}

var intentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending intents, oldest first",
	RunE:  runIntentsList,
}

var intentsShowCmd = &cobra.Command{
	Use:   "show <intent_id>",
	Short: "Show intent details",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntentsShow,
}

var intentsProcessCmd = &cobra.Command{
	Use:   "process [intent_id]",
	Short: "Process one intent, or sweep the oldest batch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIntentsProcess,
}

var intentsDeleteCmd = &cobra.Command{
	Use:   "delete <intent_id>",
	Short: "Delete an intent from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntentsDelete,
}

func init() {
	intentsListCmd.Flags().IntVar(&intentsListLimit, "limit", 50, "Maximum number of intents to show")

	intentsCmd.AddCommand(intentsListCmd, intentsShowCmd, intentsProcessCmd, intentsDeleteCmd)
	rootCmd.AddCommand(intentsCmd)
}

func runIntentsList(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	pending, err := c.Intents.List(context.Background(), intentsListLimit)
	if err != nil {
		return fmt.Errorf("failed to list intents: %w", err)
	}

	if len(pending) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tLISTS\tCREATED\tERRORS")
	fmt.Fprintln(w, "--\t-----\t-----\t-------\t------")

	for _, in := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			in.ID,
			in.Contact.Email,
			truncate(strings.Join(in.Lists, ","), 40),
			in.CreatedAt.Format("2006-01-02 15:04"),
			len(in.Errors),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d intents\n", len(pending))

	return nil
}

func runIntentsShow(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	in, err := c.Intents.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get intent: %w", err)
	}

	fmt.Printf("Intent: %s\n\n", in.ID)
	fmt.Printf("Correlation: %s\n", in.CorrelationID)
	fmt.Printf("Email:       %s\n", in.Contact.Email)
	if in.Contact.Name != "" {
		fmt.Printf("Name:        %s\n", in.Contact.Name)
	}
	fmt.Printf("Lists:       %s\n", strings.Join(in.Lists, ", "))
	if in.Context != "" {
		fmt.Printf("Context:     %s\n", in.Context)
	}
	fmt.Printf("Created:     %s\n", in.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", in.UpdatedAt.Format(time.RFC3339))

	if len(in.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(in.Errors))
		for _, e := range in.Errors {
			fmt.Printf("  %s\n", e)
		}
	}

	return nil
}

func runIntentsProcess(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	var id string
	if len(args) > 0 {
		id = args[0]
	}

	outcomes, err := c.Intents.Process(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to process intents: %w", err)
	}

	if len(outcomes) == 0 {
		fmt.Println("Nothing to process")
		return nil
	}
	fmt.Printf("Processed %d intents: %s\n", len(outcomes), strings.Join(outcomes, ", "))
	return nil
}

func runIntentsDelete(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Intents.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete intent: %w", err)
	}

	fmt.Printf("Intent %s deleted\n", args[0])
	return nil
}
