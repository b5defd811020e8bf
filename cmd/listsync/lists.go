package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/lists"
)

var (
	listsCreateDescription string
	listsCreateInactive    bool
)

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "Subscription list commands",
}

var listsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured lists of the active provider",
	RunE:  runListsList,
}

var listsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the lists with the active provider",
	RunE:  runListsSync,
}

var listsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a local list backed by a provider tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runListsCreate,
}

var listsSetActiveCmd = &cobra.Command{
	Use:   "activate <form_id>",
	Short: "Make a list available to subscribers",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setListActive(args[0], true) },
}

var listsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <form_id>",
	Short: "Hide a list from subscribers",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setListActive(args[0], false) },
}

func init() {
	listsCreateCmd.Flags().StringVar(&listsCreateDescription, "description", "", "List description")
	listsCreateCmd.Flags().BoolVar(&listsCreateInactive, "inactive", false, "Create the list inactive")

	listsCmd.AddCommand(listsListCmd, listsSyncCmd, listsCreateCmd, listsSetActiveCmd, listsDeactivateCmd)
	rootCmd.AddCommand(listsCmd)
}

func printLists(all []*lists.List, slug string) {
	if len(all) == 0 {
		fmt.Println("No lists")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FORM ID\tTITLE\tTYPE\tACTIVE\tCONFIGURED")
	fmt.Fprintln(w, "-------\t-----\t----\t------\t----------")

	for _, l := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			l.FormID(),
			truncate(l.Title, 40),
			l.Type,
			yesNo(l.Active),
			yesNo(l.IsConfiguredForProvider(slug)),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d lists\n", len(all))
}

func runListsList(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	configured, err := c.Registry.GetConfiguredForCurrentProvider(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get lists: %w", err)
	}

	printLists(configured, c.Selection.ActiveSlug())
	return nil
}

func runListsSync(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	all, err := c.Registry.GetLists(context.Background())
	if err != nil {
		return fmt.Errorf("failed to sync lists: %w", err)
	}

	fmt.Printf("Lists synchronized with %s\n\n", c.Selection.ActiveSlug())
	printLists(all, c.Selection.ActiveSlug())
	return nil
}

func runListsCreate(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	l, err := c.Registry.CreateLocal(context.Background(), args[0], listsCreateDescription, !listsCreateInactive)
	if err != nil {
		return fmt.Errorf("failed to create list: %w", err)
	}

	fmt.Printf("List created: %s\n", l.FormID())
	if s, ok := l.ProviderSettings[c.Selection.ActiveSlug()]; ok {
		if s.Error != "" {
			fmt.Printf("  Provider error: %s\n", s.Error)
		} else {
			fmt.Printf("  Tag: %s (%s) on list %s\n", s.TagName, s.TagID, s.List)
		}
	}
	return nil
}

func setListActive(formID string, active bool) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	desired := lists.DesiredList{ID: formID, Active: &active}

	// carry the stored title and description over, an update replaces them
	all, err := c.Registry.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to get lists: %w", err)
	}
	for _, l := range all {
		if l.FormID() == formID {
			desired.Title = l.Title
			desired.Description = l.Description
			break
		}
	}

	updated, err := c.Registry.UpdateLists(ctx, []lists.DesiredList{desired})
	if err != nil {
		return fmt.Errorf("failed to update list: %w", err)
	}

	for _, l := range updated {
		fmt.Printf("List %s active: %s\n", l.FormID(), yesNo(l.Active))
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
