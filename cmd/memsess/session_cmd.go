package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/memsess"
)

func newOpenCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "open ID",
		Short: "Create the segment for a session if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				return store.Open(cmd.Context(), args[0])
			})
		},
	}
}

func newGetCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Write a session payload to stdout (records an access)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				payload, err := store.Load(cmd.Context(), args[0])
				if errors.Is(err, memsess.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			})
		},
	}
}

func newPutCommand(app *cli) *cobra.Command {
	var noCreate bool
	cmd := &cobra.Command{
		Use:   "put ID [FILE|-]",
		Short: "Replace a session payload with FILE or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			payload, err := io.ReadAll(src)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			return app.withStore(func(store *memsess.Store) error {
				ctx := cmd.Context()
				if !noCreate {
					if err := store.Open(ctx, args[0]); err != nil {
						return err
					}
				}
				return store.Save(ctx, args[0], payload)
			})
		},
	}
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "fail instead of creating a missing segment")
	return cmd
}

func newRmCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID...",
		Aliases: []string{"destroy"},
		Short:   "Destroy sessions and their access records",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				var errs []error
				for _, id := range args {
					if err := store.Destroy(cmd.Context(), id); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newStatCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stat ID",
		Short: "Show the access record and segment header of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				info, err := store.Stat(cmd.Context(), args[0])
				if errors.Is(err, memsess.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "id:\t%s\n", info.ID)
				fmt.Fprintf(w, "indexed:\t%t\n", info.Indexed)
				if info.Indexed {
					fmt.Fprintf(w, "last access:\t%s (%s)\n", info.LastAccess.Format(time.RFC3339), humanize.RelTime(info.LastAccess, store.Now(), "ago", "from now"))
				}
				if !info.Created.IsZero() {
					fmt.Fprintf(w, "created:\t%s\n", info.Created.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "live:\t%t\n", info.Live)
				if info.Live {
					fmt.Fprintf(w, "segment:\t%s\n", info.Segment)
					fmt.Fprintf(w, "generation:\t%s\n", info.Generation)
					fmt.Fprintf(w, "codec:\t%s\n", info.Codec)
					fmt.Fprintf(w, "stored:\t%s of %s\n", humanizeBytes(info.StoredBytes), humanizeBytes(info.Capacity))
					if !info.LastWrite.IsZero() {
						fmt.Fprintf(w, "last write:\t%s\n", info.LastWrite.Format(time.RFC3339))
					}
				}
				return w.Flush()
			})
		},
	}
}

func newLsCommand(app *cli) *cobra.Command {
	var expiredOnly bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List sessions from the access index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				maxLife := store.Config().MaxLife
				now := store.Now()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tLAST ACCESS\tCREATED\tEXPIRED")
				for rec, err := range store.Sessions(cmd.Context()) {
					if err != nil {
						return err
					}
					expired := rec.ExpiredAt(now, maxLife)
					if expiredOnly && !expired {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", rec.ID, humanize.RelTime(rec.LastAccess, now, "ago", "from now"), rec.Created.Format(time.RFC3339), expired)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "only list sessions the next sweep would reclaim")
	return cmd
}

func newNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Print a fresh random session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(uuid.NewString(), "-", ""))
			return err
		},
	}
}
