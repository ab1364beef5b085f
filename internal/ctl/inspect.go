package ctl

import (
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/spf13/cobra"

	"roomlog/pkg/eventlog"
	"roomlog/pkg/progressor"
)

// KeySummary counts keys per family.
type KeySummary struct {
	Total     int                 `yaml:"total"`
	Events    int                 `yaml:"events"`
	RoomIndex int                 `yaml:"room_index"`
	TimeIndex int                 `yaml:"time_index"`
	Delivered int                 `yaml:"delivered"`
	Pending   int                 `yaml:"pending"`
	Counters  int                 `yaml:"counters"`
	Meta      int                 `yaml:"meta"`
	Other     int                 `yaml:"other"`
	LastSeq   uint64              `yaml:"last_seq"`
	Format    int                 `yaml:"format"`
	Samples   map[string][]string `yaml:"samples,omitempty"`
}

func keyFamily(key string) string {
	switch {
	case strings.HasPrefix(key, eventlog.EventPrefix):
		return "events"
	case strings.HasPrefix(key, "ix:c:"):
		return "room_index"
	case strings.HasPrefix(key, eventlog.TimeIndexPrefix):
		return "time_index"
	case strings.HasPrefix(key, eventlog.DeliveredPrefix):
		return "delivered"
	case strings.HasPrefix(key, eventlog.PendingPrefix):
		return "pending"
	case strings.HasPrefix(key, "room:"):
		return "counters"
	case strings.HasPrefix(key, "meta:"):
		return "meta"
	default:
		return "other"
	}
}

// summarize walks every key, keeping up to samples keys per family.
func summarize(db *pebble.DB, samples int) (KeySummary, error) {
	var s KeySummary
	if samples > 0 {
		s.Samples = make(map[string][]string)
	}
	iter, err := db.NewIter(nil)
	if err != nil {
		return s, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		s.Total++
		fam := keyFamily(key)
		switch fam {
		case "events":
			s.Events++
		case "room_index":
			s.RoomIndex++
		case "time_index":
			s.TimeIndex++
		case "delivered":
			s.Delivered++
		case "pending":
			s.Pending++
		case "counters":
			s.Counters++
		case "meta":
			s.Meta++
		default:
			s.Other++
		}
		if samples > 0 && len(s.Samples[fam]) < samples {
			s.Samples[fam] = append(s.Samples[fam], key)
		}
	}
	return s, iter.Error()
}

func newInspectCmd() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize database keys by family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := open(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			s, err := summarize(h.store.DB(), samples)
			if err != nil {
				return err
			}
			if s.LastSeq, err = h.store.LastSeq(); err != nil {
				return err
			}
			if s.Format, err = progressor.StoredFormat(h.store); err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 0, "sample keys to print per family")
	return cmd
}
