// Package manifest parses foundry.toml, the per-repository pipeline
// declaration read from the workspace root after clone.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"

	ferr "github.com/forgeworks/foundry/internal/errors"
	"github.com/forgeworks/foundry/internal/schedule"
	"github.com/forgeworks/foundry/internal/store"
)

// Filename is the manifest's conventional location in the repository root.
const Filename = "foundry.toml"

// DefaultImage is the last-resort stage image, used only when neither the
// manifest nor the repository provides one.
const DefaultImage = "ubuntu:latest"

// Manifest is the parsed foundry.toml.
type Manifest struct {
	Build    Build             `toml:"build"`
	Stages   []Stage           `toml:"stages,omitempty"`
	Deploy   *Deploy           `toml:"deploy,omitempty"`
	Env      map[string]string `toml:"env,omitempty"`
	Schedule *ScheduleBlock    `toml:"schedule,omitempty"`
	Triggers *TriggersBlock    `toml:"triggers,omitempty"`
}

// Build declares how the repository is built: a Dockerfile to build, or a
// base image to run the stage commands in. Exactly one of the two.
type Build struct {
	Dockerfile string `toml:"dockerfile,omitempty"`
	Image      string `toml:"image,omitempty"`
	Context    string `toml:"context,omitempty"`
	Command    string `toml:"command,omitempty"`
}

// Stage is one named pipeline step.
type Stage struct {
	Name    string            `toml:"name"`
	Image   string            `toml:"image,omitempty"`
	Command string            `toml:"command"`
	Env     map[string]string `toml:"env,omitempty"`
}

// Deploy declares the service to run after a successful build.
type Deploy struct {
	Name        string `toml:"name,omitempty"`
	Domain      string `toml:"domain,omitempty"`
	Port        int    `toml:"port,omitempty"`
	ComposeFile string `toml:"compose_file,omitempty"`
	Healthcheck string `toml:"healthcheck,omitempty"`
}

// Enabled reports whether the block actually requests a deployment.
func (d *Deploy) Enabled() bool {
	return d != nil && (d.Name != "" || d.ComposeFile != "")
}

// ScheduleBlock declares a periodic build of this branch.
type ScheduleBlock struct {
	Cron     string `toml:"cron"`
	Branch   string `toml:"branch,omitempty"`
	Timezone string `toml:"timezone,omitempty"`
	Enabled  *bool  `toml:"enabled,omitempty"`
}

// On reports whether the schedule should be active. Present but unset
// `enabled` defaults to true.
func (s *ScheduleBlock) On() bool {
	return s != nil && s.Cron != "" && (s.Enabled == nil || *s.Enabled)
}

// TriggersBlock declares which webhook deliveries should build this repo.
// Synced to the server after every clone so the repository controls its own
// filtering.
type TriggersBlock struct {
	Branches         []string `toml:"branches,omitempty"`
	PullRequests     bool     `toml:"pull_requests,omitempty"`
	PRTargetBranches []string `toml:"pr_target_branches,omitempty"`
}

// Rules converts the block to store trigger rules.
func (t *TriggersBlock) Rules() store.TriggerRules {
	return store.TriggerRules{
		Branches:         t.Branches,
		PullRequests:     t.PullRequests,
		PRTargetBranches: t.PRTargetBranches,
	}
}

// Load reads and parses the manifest from a cloned workspace. A missing file
// yields (nil, nil): repositories without a manifest get the synthesized
// default pipeline.
func Load(workspaceDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, Filename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Filename, err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, ferr.Newf(ferr.KindBadRequest, "parse %s: %v", Filename, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the structural rules the executor depends on.
func (m *Manifest) Validate() error {
	if m.Build.Dockerfile != "" && m.Build.Image != "" {
		return ferr.BadRequest("build.dockerfile and build.image are mutually exclusive")
	}
	seen := make(map[string]bool, len(m.Stages))
	for i, st := range m.Stages {
		if st.Name == "" {
			return ferr.Newf(ferr.KindBadRequest, "stages[%d] has no name", i)
		}
		if seen[st.Name] {
			return ferr.Newf(ferr.KindBadRequest, "duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if st.Command == "" {
			return ferr.Newf(ferr.KindBadRequest, "stage %q has no command", st.Name)
		}
	}
	if m.Deploy != nil && m.Deploy.Name == "" && m.Deploy.ComposeFile == "" {
		return ferr.BadRequest("deploy block needs a name or a compose_file")
	}
	if m.Schedule != nil && m.Schedule.Cron != "" {
		if _, err := schedule.ParseCron(m.Schedule.Cron); err != nil {
			return err
		}
		if m.Schedule.Timezone != "" {
			if _, err := schedule.NextInZone(m.Schedule.Cron, m.Schedule.Timezone, time.Now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// EffectiveStages resolves the pipeline: declared stages with images
// defaulted from the build block, or a single synthesized stage when none
// are declared. fallback fills stages with no image when the build block has
// none either: the image built from build.dockerfile, or the repository's
// default image.
func (m *Manifest) EffectiveStages(fallback string) []Stage {
	base := m.Build.Image
	if base == "" {
		base = fallback
	}
	if base == "" {
		base = DefaultImage
	}
	if len(m.Stages) == 0 {
		cmd := m.Build.Command
		if cmd == "" {
			cmd = "true"
		}
		return []Stage{{Name: "build", Image: base, Command: cmd}}
	}
	stages := make([]Stage, len(m.Stages))
	copy(stages, m.Stages)
	for i := range stages {
		if stages[i].Image == "" {
			stages[i].Image = base
		}
	}
	return stages
}

// StageEnv merges the global env block with a stage's own, the stage winning
// on conflict, returned as sorted KEY=VALUE pairs.
func (m *Manifest) StageEnv(st Stage) []string {
	merged := make(map[string]string, len(m.Env)+len(st.Env))
	for k, v := range m.Env {
		merged[k] = v
	}
	for k, v := range st.Env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Canonical re-emits the manifest in normalized form. Parsing the output
// yields an identical manifest.
func (m *Manifest) Canonical() ([]byte, error) {
	out, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return out, nil
}
