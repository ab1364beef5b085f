// Package ctl implements roomctl, the offline inspection tool for a
// roomlog database directory.
package ctl

import (
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/messages"
	"roomlog/pkg/state"
)

const defaultDB = "./.roomlog"

// NewRootCmd builds the roomctl command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:           "roomctl",
		Short:         "Inspect a roomlog database",
		Long:          "roomctl opens a roomlog database read-only and prints keys, lineages and messages as YAML.",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("db", defaultDB, "database path (as passed to the server's --db)")

	root.AddCommand(
		newInspectCmd(),
		newLineageCmd(),
		newUndeliveredCmd(),
		newFindCmd(),
		newCountCmd(),
	)
	return root
}

// handle is a read-only view of a database.
type handle struct {
	store *eventlog.PebbleStore
	log   *eventlog.Log
}

func open(cmd *cobra.Command) (*handle, error) {
	db, _ := cmd.Flags().GetString("db")
	path := state.PathsFor(db).Store
	store, err := eventlog.OpenPebble(path, eventlog.PebbleOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	log, err := eventlog.New(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &handle{store: store, log: log}, nil
}

// collection serves reads only; nothing it returns is ever dispatched.
func (h *handle) collection() *messages.Collection {
	return messages.New(h.log, dispatch.NewInline(h.log), messages.Options{})
}

func (h *handle) Close() error { return h.log.Close() }

func writeYAML(w io.Writer, v any) error {
	b, err := yaml.MarshalWithOptions(v, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
