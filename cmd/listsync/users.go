package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var usersAddVerified bool

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User commands",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersAdd,
}

var usersShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show a user by email",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersShow,
}

var usersVerifyCmd = &cobra.Command{
	Use:   "verify <user_id>",
	Short: "Mark the email of a user as verified",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersVerify,
}

func init() {
	usersAddCmd.Flags().BoolVar(&usersAddVerified, "verified", false, "Mark the email as verified")

	usersCmd.AddCommand(usersAddCmd, usersShowCmd, usersVerifyCmd)
	rootCmd.AddCommand(usersCmd)
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	u, err := c.Users.Add(context.Background(), args[0], usersAddVerified)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Printf("User %s: %s (verified: %s)\n", u.ID, u.Email, yesNo(u.EmailVerified))
	return nil
}

func runUsersShow(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	u, err := c.Users.FindByEmail(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	fmt.Printf("User: %s\n\n", u.ID)
	fmt.Printf("Email:    %s\n", u.Email)
	fmt.Printf("Verified: %s\n", yesNo(u.EmailVerified))
	if u.LastSubscriptionError != "" {
		fmt.Printf("\nLast subscription error:\n  %s\n", u.LastSubscriptionError)
	}
	return nil
}

func runUsersVerify(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Users.SetVerified(context.Background(), args[0], true); err != nil {
		return fmt.Errorf("failed to verify user: %w", err)
	}

	fmt.Printf("User %s verified\n", args[0])
	return nil
}
