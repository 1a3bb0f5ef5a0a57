package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/smazurov/camrelay/internal/streams"
	"github.com/smazurov/camrelay/internal/streams/store"
	"github.com/spf13/cobra"
)

// CreateStreamsCmd creates the streams command for editing the stream store
// offline. A running daemon watching the same file picks the edits up.
func CreateStreamsCmd() *cobra.Command {
	var streamsFile string

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List and edit streams in the stream store",
	}
	cmd.PersistentFlags().StringVar(&streamsFile, "streams-file", store.DefaultPath, "Path to the stream store")

	open := func() (streams.Store, error) {
		s := store.NewTOML(streamsFile)
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", streamsFile, err)
		}
		return s, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print every stream with its last known status",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				s, err := open()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tNAME\tSOURCE\tRUNNING\tERRORS")
				for _, rec := range s.List() {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\n",
						rec.ID(), rec.Configuration.Name, rec.Configuration.SourceURI,
						rec.Status.Running, rec.Status.ErrorCount)
				}
				return w.Flush()
			},
		},
		newStreamsAddCmd(open),
		&cobra.Command{
			Use:   "remove [stream-id]",
			Short: "Remove a stream",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				s, err := open()
				if err != nil {
					return err
				}
				removed, err := s.Remove(args[0])
				if err != nil {
					return err
				}
				if !removed {
					return streams.NewStreamError(streams.ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", args[0]), nil)
				}
				_, _ = fmt.Fprintln(c.OutOrStdout(), args[0])
				return nil
			},
		},
	)

	return cmd
}

func newStreamsAddCmd(open func() (streams.Store, error)) *cobra.Command {
	var id, name, source, scheme string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stream, or replace the configuration of an existing one",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg := streams.StreamConfig{
				ID:        strings.TrimSpace(id),
				Name:      strings.TrimSpace(name),
				SourceURI: strings.TrimSpace(source),
			}
			if cfg.ID == "" {
				cfg.ID = uuid.NewString()
			}
			if cfg.Name == "" {
				return streams.NewStreamError(streams.ErrCodeInvalidParams, "name is required", nil)
			}
			if err := streams.ValidateConfig(cfg, scheme); err != nil {
				return err
			}

			s, err := open()
			if err != nil {
				return err
			}
			rec, err := s.Upsert(cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.OutOrStdout(), rec.ID())
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Stream id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&source, "source", "", "Camera source URI")
	cmd.Flags().StringVar(&scheme, "required-scheme", streams.DefaultRequiredScheme, "Scheme the source URI must use")

	return cmd
}
