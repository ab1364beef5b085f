package ctl

import (
	"time"

	"github.com/spf13/cobra"

	"roomlog/pkg/docql"
	"roomlog/pkg/models"
)

// eventView is the printable form of a stored event.
type eventView struct {
	ID        string     `yaml:"_id"`
	Seq       uint64     `yaml:"seq"`
	Clid      string     `yaml:"clid"`
	Cid       string     `yaml:"cid"`
	T         string     `yaml:"t"`
	Src       string     `yaml:"src,omitempty"`
	TS        time.Time  `yaml:"ts"`
	UpdatedAt time.Time  `yaml:"updatedAt"`
	DeletedAt *time.Time `yaml:"deletedAt,omitempty"`
	D         any        `yaml:"d,omitempty"`
}

func viewOf(e models.RoomEvent) eventView {
	v := eventView{
		ID:        e.ID,
		Seq:       e.Seq,
		Clid:      e.Clid,
		Cid:       e.Cid,
		T:         string(e.T),
		Src:       e.Src,
		TS:        e.TS,
		UpdatedAt: e.UpdatedAt,
		DeletedAt: e.DeletedAt,
	}
	if len(e.D) > 0 {
		v.D = docql.ToM(e.D)
	}
	return v
}

func viewsOf(events []models.RoomEvent) []eventView {
	out := make([]eventView, len(events))
	for i, e := range events {
		out[i] = viewOf(e)
	}
	return out
}

func newLineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <id>",
		Short: "Print every event of a message lineage in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := open(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			events, err := h.log.Lineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewsOf(events))
		},
	}
}

func newUndeliveredCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "undelivered",
		Short: "List events whose dispatch never committed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := open(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			events, err := h.log.Undelivered(cmd.Context(), time.Now().Add(-olderThan), limit)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewsOf(events))
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only events older than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print (0 for all)")
	return cmd
}
