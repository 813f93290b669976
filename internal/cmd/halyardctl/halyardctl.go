// Package halyardctl composes the chat store management CLI.
package halyardctl

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/louisbranch/halyard/internal/chat/storage"
	"github.com/louisbranch/halyard/internal/chat/storage/sqlite"
	entrypoint "github.com/louisbranch/halyard/internal/platform/cmd"
	"github.com/louisbranch/halyard/internal/platform/id"
)

// Config holds halyard command configuration.
type Config struct {
	DBPath string `env:"HALYARD_DB_PATH" envDefault:"halyard.db"`
}

// ParseConfig loads environment defaults into a Config.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Execute parses configuration and runs the CLI.
func Execute(ctx context.Context) error {
	cfg, err := ParseConfig()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		root := NewRootCommand(&cfg)
		return root.ExecuteContext(ctx)
	})
}

// NewRootCommand builds the halyard command tree against cfg.
func NewRootCommand(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "halyard",
		Short:         "Manage the local chat client store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the chat database")

	root.AddCommand(newUserCommand(cfg))
	root.AddCommand(newContactCommand(cfg))
	root.AddCommand(newGroupCommand(cfg))
	root.AddCommand(newResolveCommand(cfg))
	return root
}

func openStore(cfg *Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return store, nil
}

// activeUser returns the active user, or the only user when none is
// marked active.
func activeUser(ctx context.Context, store *sqlite.Store) (storage.User, error) {
	users, err := store.GetUsers(ctx)
	if err != nil {
		return storage.User{}, err
	}
	if len(users) == 0 {
		return storage.User{}, fmt.Errorf("no users exist yet, run: halyard user add NAME")
	}
	if users[0].Active || len(users) == 1 {
		return users[0], nil
	}
	return storage.User{}, fmt.Errorf("no active user, run: halyard user use NAME")
}

func findUserByName(ctx context.Context, store *sqlite.Store, name string) (storage.User, error) {
	users, err := store.GetUsers(ctx)
	if err != nil {
		return storage.User{}, err
	}
	for _, user := range users {
		if user.LocalDisplayName == name {
			return user, nil
		}
	}
	return storage.User{}, storage.ErrUserNotFound
}

func newUserCommand(cfg *Config) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local user profiles",
	}

	var fullName string
	var inactive bool
	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a user profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.CreateUser(cmd.Context(), storage.Profile{DisplayName: args[0], FullName: fullName}, !inactive)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d)\n", user.LocalDisplayName, user.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&fullName, "full-name", "", "optional full name")
	addCmd.Flags().BoolVar(&inactive, "inactive", false, "create without switching to this user")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List user profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.GetUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			for _, user := range users {
				marker := " "
				if user.Active {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, user.LocalDisplayName)
			}
			return nil
		},
	}

	useCmd := &cobra.Command{
		Use:   "use NAME",
		Short: "Switch the active user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := findUserByName(cmd.Context(), store, args[0])
			if err != nil {
				return fmt.Errorf("find user: %w", err)
			}
			if err := store.SetActiveUser(cmd.Context(), user.ID); err != nil {
				return fmt.Errorf("set active user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active user: %s\n", user.LocalDisplayName)
			return nil
		},
	}

	userCmd.AddCommand(addCmd, listCmd, useCmd)
	return userCmd
}

func newContactCommand(cfg *Config) *cobra.Command {
	contactCmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts of the active user",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			contacts, err := store.ListContacts(cmd.Context(), user.ID)
			if err != nil {
				return fmt.Errorf("list contacts: %w", err)
			}
			for _, contact := range contacts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", contact.LocalDisplayName, contact.ActiveConn.Status)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show one contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			contact, err := store.GetContact(cmd.Context(), user.ID, args[0])
			if err != nil {
				return fmt.Errorf("get contact: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", contact.LocalDisplayName)
			fmt.Fprintf(out, "Profile:    %s", contact.Profile.DisplayName)
			if contact.Profile.FullName != "" {
				fmt.Fprintf(out, " (%s)", contact.Profile.FullName)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Connection: %s (%s)\n", contact.ActiveConn.AgentConnID, contact.ActiveConn.Status)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm NAME",
		Short: "Delete a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			if err := store.DeleteContact(cmd.Context(), user.ID, args[0]); err != nil {
				return fmt.Errorf("delete contact: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted contact %s\n", args[0])
			return nil
		},
	}

	contactCmd.AddCommand(listCmd, showCmd, rmCmd)
	return contactCmd
}

func newGroupCommand(cfg *Config) *cobra.Command {
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups of the active user",
	}

	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group owned by the active user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			group, err := store.CreateNewGroup(cmd.Context(), user, storage.Profile{DisplayName: args[0]})
			if err != nil {
				return fmt.Errorf("create group: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created group %s\n", group.LocalDisplayName)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			groups, err := store.ListGroups(cmd.Context(), user)
			if err != nil {
				return fmt.Errorf("list groups: %w", err)
			}
			for _, group := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d members)\n", group.LocalDisplayName, len(group.Members)+1)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show group members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			group, err := store.GetGroup(cmd.Context(), user, args[0])
			if err != nil {
				return fmt.Errorf("get group: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (you: %s, %s)\n", group.LocalDisplayName, group.Membership.Role, group.Membership.Status)
			for _, member := range group.Members {
				fmt.Fprintf(out, "  %s %s (%s)\n", member.LocalDisplayName, member.Role, member.Status)
			}
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm NAME",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}
			if err := store.DeleteGroup(cmd.Context(), user, args[0]); err != nil {
				return fmt.Errorf("delete group: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted group %s\n", args[0])
			return nil
		},
	}

	groupCmd.AddCommand(createCmd, listCmd, showCmd, rmCmd)
	return groupCmd
}

func newResolveCommand(cfg *Config) *cobra.Command {
	resolveCmd := &cobra.Command{
		Use:   "resolve [AGENT_CONN_ID]",
		Short: "Resolve which entity an agent connection belongs to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := activeUser(cmd.Context(), store)
			if err != nil {
				return err
			}

			// Without an argument, mint a fresh connection id instead. This
			// gives scripts a stable way to provision agent connections.
			if len(args) == 0 {
				agentConnID, err := id.NewID()
				if err != nil {
					return fmt.Errorf("generate connection id: %w", err)
				}
				conn, err := store.CreateConnection(cmd.Context(), user.ID, agentConnID, storage.ConnContact, 0, 0)
				if err != nil {
					return fmt.Errorf("create connection: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created connection %s (id %d)\n", conn.AgentConnID, conn.ID)
				return nil
			}

			entity, err := store.ResolveConnEntity(cmd.Context(), user, args[0])
			if err != nil {
				return fmt.Errorf("resolve connection: %w", err)
			}
			out := cmd.OutOrStdout()
			switch entity.Kind {
			case storage.EntityPendingContact:
				fmt.Fprintln(out, "pending contact")
			case storage.EntityContact:
				fmt.Fprintf(out, "contact %s\n", entity.Contact.LocalDisplayName)
			case storage.EntityGroupMember:
				fmt.Fprintf(out, "member %s of group %s\n", entity.Member.LocalDisplayName, entity.GroupName)
			case storage.EntitySndFile:
				fmt.Fprintf(out, "sending %s to %s\n", entity.SndFile.FileName, entity.SndFile.RecipientDisplayName)
			case storage.EntityRcvFile:
				fmt.Fprintf(out, "receiving %s from %s\n", entity.RcvFile.FileName, entity.RcvFile.SenderDisplayName)
			}
			return nil
		},
	}
	return resolveCmd
}
