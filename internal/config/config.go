// Package config resolves the reconciler's run configuration: concurrency
// cap, retry budget, check interval, default project/dataset, and BigQuery
// client location. Flags bind onto viper with a "BQR_" environment prefix,
// the way the teacher's internal/config binds BD_/BEADS_ env vars onto its
// CLI flags (cmd/bd/config.go) — an explicit CLI flag always wins, an
// env var overrides an unset flag's default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharethis/bqreconcile/internal/scheduler"
	"github.com/sharethis/bqreconcile/internal/tmpl"
)

// Run holds everything cmd/bqr needs to build a loader and a scheduler for
// one invocation.
type Run struct {
	MaxConcurrent    int
	MaxRetry         int
	CheckInterval    time.Duration
	DefaultDataset   string
	DefaultProject   string
	ClientLocation   string
	VarsFile         string
	JSONLog          bool
	Execute          bool
	Show             bool
	DotML            bool
	DumpToFolder     string
	ShowJobs         bool
	Folders          []string
}

// Bind registers spec.md §6's flag surface on flags and binds each one
// through viper with the BQR_ environment prefix.
func Bind(flags *pflag.FlagSet) *viper.Viper {
	flags.Bool("execute", false, "run the scheduler against the warehouse")
	flags.Bool("show", false, "print dependency order without executing")
	flags.Bool("dotml", false, "emit the dependency graph in Graphviz dot syntax")
	flags.String("dumpToFolder", "", "write each artifact's rendered definition to this folder")
	flags.Bool("showJobs", false, "list in-flight and recent warehouse jobs")
	flags.String("defaultDataset", "", "dataset used when a filename omits one")
	flags.String("defaultProject", "", "project used for artifacts that don't specify one")
	flags.Int("maxConcurrent", 10, "maximum number of artifacts dispatched concurrently")
	flags.Int("checkFrequency", 10, "seconds between scheduler ticks")
	flags.Int("maxRetry", 2, "retry budget per artifact before the run aborts")
	flags.String("varsFile", "", "path to a JSON object of default template variables")
	flags.String("bqClientLocation", "US", "BigQuery client location")
	flags.Bool("json-log", false, "emit structured logs as JSON")

	v := viper.New()
	v.SetEnvPrefix("BQR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return v
}

// Resolve reads the bound viper instance into a Run, with folders taken
// from the command's positional arguments.
func Resolve(v *viper.Viper, folders []string) Run {
	return Run{
		MaxConcurrent:  v.GetInt("maxConcurrent"),
		MaxRetry:       v.GetInt("maxRetry"),
		CheckInterval:  time.Duration(v.GetInt("checkFrequency")) * time.Second,
		DefaultDataset: v.GetString("defaultDataset"),
		DefaultProject: v.GetString("defaultProject"),
		ClientLocation: v.GetString("bqClientLocation"),
		VarsFile:       v.GetString("varsFile"),
		JSONLog:        v.GetBool("json-log"),
		Execute:        v.GetBool("execute"),
		Show:           v.GetBool("show"),
		DotML:          v.GetBool("dotml"),
		DumpToFolder:   v.GetString("dumpToFolder"),
		ShowJobs:       v.GetBool("showJobs"),
		Folders:        folders,
	}
}

// SchedulerConfig projects the scheduler-relevant fields of Run.
func (r Run) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent: r.MaxConcurrent,
		MaxRetry:      r.MaxRetry,
		CheckInterval: r.CheckInterval,
	}
}

// LoadDefaultVars reads --varsFile as a single JSON object of default
// template variables overlaid beneath every artifact's own vars (spec.md
// §6 reserves no meaning for this flag beyond "path"; this repository
// resolves it the way the teacher resolves a config default layer:
// lowest-priority, file-wide, overridable per artifact).
func LoadDefaultVars(path string) (tmpl.Vars, error) {
	if path == "" {
		return tmpl.Vars{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vars file %q: %w", path, err)
	}
	var vars tmpl.Vars
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("parsing vars file %q: %w", path, err)
	}
	return vars, nil
}
