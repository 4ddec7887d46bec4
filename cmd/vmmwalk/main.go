// Command vmmwalk is a thin, non-interactive scan tool that wires the
// reconstruction engine against a raw physical-memory dump and prints
// each manifest process's VAD/PTE maps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vmmcore/internal/engine"
	"github.com/tinyrange/vmmcore/internal/enrich"
	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/process"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	dumpPath := fs.String("dump", "", "path to a raw physical-memory dump")
	manifestPath := fs.String("manifest", "", "path to a YAML manifest of processes to scan")
	versionsPath := fs.String("versions", "", "optional override of the built-in EPROCESS offset table")
	extended := fs.Bool("extended", true, "run VadEnricher's name/heap/stack/TEB pass")
	nodeCachePath := fs.String("nodecache", "", "optional VAD node cache file, read at startup and rewritten on exit")
	verbose := fs.Bool("v", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *dumpPath == "" || *manifestPath == "" {
		return fmt.Errorf("both -dump and -manifest are required")
	}

	f, err := os.Open(*dumpPath)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat dump: %w", err)
	}

	src := phys.NewFileSource(f, uint64(st.Size()))
	eng := engine.Initialize(src, *versionsPath)
	defer eng.Close()

	if *nodeCachePath != "" {
		if cf, err := os.Open(*nodeCachePath); err == nil {
			if err := eng.LoadNodeCache(cf); err != nil {
				slog.Warn("ignoring unreadable node cache", "path", *nodeCachePath, "error", err)
			}
			cf.Close()
		}
	}

	man, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}
	slog.Info("loaded manifest", "processes", len(man.Processes))

	ctx := context.Background()
	pb := progressbar.Default(int64(len(man.Processes)))
	defer pb.Close()

	for _, t := range man.Processes {
		p := eng.Process(process.Config{
			PID:        t.PID,
			DTB:        t.DTB,
			EProcessPA: t.EProcessPA,
			Bits:       t.bits(),
			PAE:        t.PAE,
			Build:      t.Build,
			UserOnly:   t.UserOnly,
		})

		vadMap, err := p.EnsureVadMap(ctx, *extended, []enrich.HeapSegment{}, []enrich.ThreadInfo{})
		if err != nil {
			slog.Warn("VAD map build reported a failure", "pid", t.PID, "error", err)
		}
		pteMap, err := p.EnsurePteMap(ctx)
		if err != nil {
			slog.Warn("PTE map build reported a failure", "pid", t.PID, "error", err)
		}

		fmt.Printf("pid %d: %d VAD entries, %d PTE runs (%d pages)\n",
			t.PID, len(vadMap.Entries), len(pteMap.Entries), pteMap.TotalPages())
		for _, e := range vadMap.Entries {
			name := vadMap.Text(e)
			fmt.Printf("  [0x%016x-0x%016x] %-8s %s\n", e.VaStart, e.VaEnd, e.VadType, name)
		}

		pb.Add(1)
	}

	if *nodeCachePath != "" {
		cf, err := os.Create(*nodeCachePath)
		if err != nil {
			return fmt.Errorf("create node cache: %w", err)
		}
		defer cf.Close()
		if err := eng.SaveNodeCache(cf); err != nil {
			return fmt.Errorf("save node cache: %w", err)
		}
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmmwalk: %v\n", err)
		os.Exit(1)
	}
}
