package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/messages"
	"roomlog/pkg/rooms"
)

func newFindCmd() *cobra.Command {
	var (
		room   string
		filter string
		trash  bool
		limit  int64
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print current (or trashed) messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := bson.D{}
			if filter != "" {
				if err := bson.UnmarshalExtJSON([]byte(filter), false, &q); err != nil {
					return fmt.Errorf("--filter: %w", err)
				}
			}
			if room != "" {
				q = append(q, bson.E{Key: "rid", Value: room})
			}

			h, err := open(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			c := h.collection()
			opts := messages.FindOptions{Sort: bson.D{{Key: "ts", Value: -1}}, Limit: limit}
			find := c.Find
			if trash {
				find = c.TrashFind
			}
			cur, err := find(cmd.Context(), q, opts)
			if err != nil {
				return err
			}
			docs, err := cur.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]any, len(docs))
			for i, d := range docs {
				out[i] = docql.ToM(d)
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room id")
	cmd.Flags().StringVar(&filter, "filter", "", "extended JSON filter on message fields")
	cmd.Flags().BoolVar(&trash, "trash", false, "read deleted messages instead")
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum messages (0 for all)")
	return cmd
}

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <room>",
		Short: "Print a room's message counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := open(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			n, err := rooms.NewPebbleCounters(h.store.DB(), false).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{"rid": args[0], "msgs": n})
		},
	}
}
