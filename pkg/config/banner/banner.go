package banner

import (
	"fmt"
	"io"

	"roomlog/pkg/config"
)

const banner = `
 ___  ___   ___  __  __ _    ___   ___
| _ \/ _ \ / _ \|  \/  | |  / _ \ / __|
|   / (_) | (_) | |\/| | |_| (_) | (_ |
|_|_\\___/ \___/|_|  |_|____\___/ \___|
`

// PrintWithEff prints the banner and a summary of the effective config.
func PrintWithEff(w io.Writer, eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Listen:   %s\n", addr)
	fmt.Fprintf(w, "DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Fprintf(w, "Version:  %s\n", version)
	}
	fmt.Fprintf(w, "Config:   %s\n", src)
	if eff.Config == nil {
		return
	}
	cfg := eff.Config

	fmt.Fprintln(w, "\n== Pipeline ===================================================")
	fmt.Fprintf(w, "- Dispatch: %d workers, queue %d, batch %d\n",
		cfg.Dispatch.Workers, cfg.Dispatch.QueueCapacity, cfg.Dispatch.MaxBatch)
	if cfg.Store.SyncWrites {
		fmt.Fprintln(w, "- Store: sync writes")
	} else {
		fmt.Fprintln(w, "- Store: async writes (recent events may be lost on crash)")
	}
	if cfg.Redelivery.Enabled {
		fmt.Fprintf(w, "- Redelivery: enabled (cron=%s, min_age=%s)\n", cfg.Redelivery.Cron, cfg.Redelivery.MinAge.Duration())
	} else {
		fmt.Fprintln(w, "- Redelivery: disabled (undelivered events stay pending)")
	}
	fmt.Fprintln(w)
}
