package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "clearpath.ai/internal/persistence/log"
	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "summary":
			summaryCmd(os.Args[2:])
			return
		case "entity":
			entityCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints every run directory under <data>/scenarios.
func listCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	scenario := fs.String("scenario", "", "scenario name (optional)")
	_ = fs.Parse(args)

	runs, err := listRuns(filepath.Join(*dataDir, "scenarios"), *scenario)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Println(r)
	}
}

func listRuns(base, scenario string) ([]string, error) {
	scenarios := []string{scenario}
	if scenario == "" {
		ents, err := os.ReadDir(base)
		if err != nil {
			return nil, err
		}
		scenarios = scenarios[:0]
		for _, e := range ents {
			if e.IsDir() {
				scenarios = append(scenarios, e.Name())
			}
		}
	}
	var out []string
	for _, sc := range scenarios {
		ents, err := os.ReadDir(filepath.Join(base, sc))
		if err != nil {
			return nil, err
		}
		for _, e := range ents {
			if e.IsDir() {
				out = append(out, filepath.Join(sc, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type summary struct {
	RunID         string         `json:"run_id"`
	Entries       int            `json:"entries"`
	FirstTick     uint64         `json:"first_tick"`
	LastTick      uint64         `json:"last_tick"`
	Decisions     map[string]int `json:"decisions"`
	Failures      map[string]int `json:"failures"`
	Entities      int            `json:"entities"`
	BusiestEntity host.Handle    `json:"busiest_entity,omitempty"`
}

// summarize folds a run's decision journal into counts keyed by
// "KIND ACTION REASON" and "SUBSYSTEM REASON".
func summarize(runDir string) (summary, error) {
	s := summary{Decisions: map[string]int{}, Failures: map[string]int{}}
	perEntity := map[host.Handle]int{}
	err := persistlog.ReadDecisions(runDir, func(e engine.TickLogEntry) error {
		if s.Entries == 0 {
			s.RunID = e.RunID
			s.FirstTick = e.Tick
		}
		s.Entries++
		s.LastTick = e.Tick
		for _, ev := range e.Events {
			key := strings.TrimSpace(fmt.Sprintf("%s %s %s", ev.Kind, ev.Action, ev.Reason))
			s.Decisions[key]++
			perEntity[ev.Entity]++
		}
		for _, f := range e.Failures {
			s.Failures[fmt.Sprintf("%s %s", f.Subsystem, f.Reason)]++
		}
		return nil
	})
	if err != nil {
		return s, err
	}
	s.Entities = len(perEntity)
	best := 0
	for h, n := range perEntity {
		if n > best || (n == best && h < s.BusiestEntity) {
			best, s.BusiestEntity = n, h
		}
	}
	return s, nil
}

func summaryCmd(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	runDir := fs.String("run", "", "run directory containing decisions/")
	asJSON := fs.Bool("json", false, "print as json")
	_ = fs.Parse(args)

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	s, err := summarize(*runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read decisions:", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(s)
		return
	}
	fmt.Printf("run=%s entries=%d ticks=%d..%d entities=%d busiest=%d\n",
		s.RunID, s.Entries, s.FirstTick, s.LastTick, s.Entities, s.BusiestEntity)
	printCounts("decisions", s.Decisions)
	printCounts("failures", s.Failures)
}

func entityCmd(args []string) {
	fs := flag.NewFlagSet("entity", flag.ExitOnError)
	runDir := fs.String("run", "", "run directory containing decisions/")
	entity := fs.Uint64("entity", 0, "vehicle handle")
	_ = fs.Parse(args)

	if *runDir == "" || *entity == 0 {
		fmt.Fprintln(os.Stderr, "missing -run or -entity")
		os.Exit(2)
	}
	want := host.Handle(*entity)
	err := persistlog.ReadDecisions(*runDir, func(e engine.TickLogEntry) error {
		for _, ev := range e.Events {
			if ev.Entity != want {
				continue
			}
			printJSON(struct {
				Tick uint64 `json:"tick"`
				registry.Event
			}{Tick: e.Tick, Event: ev})
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read decisions:", err)
		os.Exit(1)
	}
}

func printCounts(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %6d  %s\n", m[k], k)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
