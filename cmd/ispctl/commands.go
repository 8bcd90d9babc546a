package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ispadmin/internal/auth/hash"
	"ispadmin/internal/config"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
)

func newLoginCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				if err := survey.AskOne(&survey.Input{Message: "Username:"}, &username, survey.WithValidator(survey.Required)); err != nil {
					return err
				}
			}
			var password string
			if err := survey.AskOne(&survey.Password{Message: "Password:"}, &password, survey.WithValidator(survey.Required)); err != nil {
				return err
			}

			res, err := newAPIClient(baseURL, "").login(username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			viper.Set("url", baseURL)
			viper.Set("token", res.Token)
			path, err := saveConfig()
			if err != nil {
				return err
			}
			color.Green("✓ Signed in as %s (%s)", res.User.Username, res.User.Role)
			if verbose {
				fmt.Printf("Token saved to %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username (prompted when empty)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			// tokens are stateless; the server call only clears its cookie
			if err := newAPIClient(baseURL, token).logout(); err != nil && verbose {
				color.Yellow("server logout failed: %v", err)
			}
			viper.Set("token", "")
			if _, err := saveConfig(); err != nil {
				return err
			}
			color.Green("✓ Signed out")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity behind the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newAPIClient(baseURL, token).whoami()
			if err != nil {
				return notSignedIn(err)
			}
			if outputJSON {
				return printJSON(id)
			}
			fmt.Printf("%s (id %d, role %s)\n", id.Username, id.ID, id.Role)
			return nil
		},
	}
}

func notSignedIn(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == 401 {
		return fmt.Errorf("not signed in; run `ispctl login`")
	}
	return err
}

func newPPPoECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pppoe",
		Short: "PPPoE sessions and secrets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "active",
			Short: "List active sessions",
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := newAPIClient(baseURL, token).listActive()
				if err != nil {
					return notSignedIn(err)
				}
				if outputJSON {
					return printJSON(list)
				}
				rows := make([][]string, 0, len(list))
				for _, s := range list {
					rows = append(rows, []string{s.ID, s.Name, s.Address, s.CallerID, s.Uptime})
				}
				printTable([]string{"ID", "NAME", "ADDRESS", "CALLER ID", "UPTIME"}, rows)
				return nil
			},
		},
		newDisconnectCmd(),
		&cobra.Command{
			Use:   "secrets",
			Short: "List PPPoE secrets",
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := newAPIClient(baseURL, token).listSecrets()
				if err != nil {
					return notSignedIn(err)
				}
				if outputJSON {
					return printJSON(list)
				}
				rows := make([][]string, 0, len(list))
				for _, s := range list {
					state := color.GreenString("enabled")
					if s.Disabled {
						state = color.RedString("disabled")
					}
					rows = append(rows, []string{s.ID, s.Name, s.Profile, s.RemoteAddress, state})
				}
				printTable([]string{"ID", "NAME", "PROFILE", "REMOTE ADDRESS", "STATE"}, rows)
				return nil
			},
		},
	)
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "disconnect <id>",
		Short: "Disconnect an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok := false
				if err := survey.AskOne(&survey.Confirm{Message: "Disconnect session " + args[0] + "?"}, &ok); err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			if err := newAPIClient(baseURL, token).disconnect(args[0]); err != nil {
				return notSignedIn(err)
			}
			color.Green("✓ Session %s disconnected", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Configuration backups",
	}
	var includeRouter bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newAPIClient(baseURL, token).createBackup(includeRouter)
			if err != nil {
				return notSignedIn(err)
			}
			if outputJSON {
				return printJSON(b)
			}
			color.Green("✓ Created %s (%s)", b.Name, formatBytes(b.Size))
			return nil
		},
	}
	create.Flags().BoolVar(&includeRouter, "router", false, "also save a backup on the router")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backups, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := newAPIClient(baseURL, token).listBackups()
				if err != nil {
					return notSignedIn(err)
				}
				if outputJSON {
					return printJSON(list)
				}
				rows := make([][]string, 0, len(list))
				for _, b := range list {
					rows = append(rows, []string{b.Name, formatBytes(b.Size), b.CreatedAt.Local().Format("2006-01-02 15:04"), strconv.FormatBool(b.Uploaded)})
				}
				printTable([]string{"NAME", "SIZE", "CREATED", "UPLOADED"}, rows)
				return nil
			},
		},
		create,
	)
	return cmd
}

func newUseraddCmd() *cobra.Command {
	var (
		usersPath string
		role      string
	)
	cmd := &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create a dashboard account directly in the users file",
		Long: `useradd writes the users file without going through the API.
Stop the daemon first: it keeps the file in memory and would overwrite the change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if usersPath == "" {
				usersPath = config.FromEnv().UsersPath
			}
			var password, confirm string
			if err := survey.AskOne(&survey.Password{Message: "Password:"}, &password, survey.WithValidator(survey.MinLength(8))); err != nil {
				return err
			}
			if err := survey.AskOne(&survey.Password{Message: "Repeat password:"}, &confirm); err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}
			u, err := addUser(cmd.Context(), usersPath, args[0], password, role, hash.HashPassword)
			if err != nil {
				return err
			}
			color.Green("✓ Created %s (id %d, role %s) in %s", u.Username, u.ID, u.Role, usersPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&usersPath, "users", "", "users file (default from ISP_CONFIG / ISP_DATA_DIR)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, operator or administrator")
	return cmd
}

func addUser(ctx context.Context, path, username, password, role string, hashFn func(string) (string, error)) (users.User, error) {
	r, err := auth.ParseRole(role)
	if err != nil {
		return users.User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return users.User{}, errors.New("username is required")
	}
	if len(password) < 8 {
		return users.User{}, errors.New("password must be at least 8 characters")
	}
	s, err := users.Open(path)
	if err != nil {
		return users.User{}, err
	}
	ph, err := hashFn(password)
	if err != nil {
		return users.User{}, err
	}
	return s.Create(ctx, users.User{Username: username, PasswordHash: ph, Role: r})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ispctl %s\n", Version)
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
