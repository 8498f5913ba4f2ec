package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/match"
	"github.com/3leaps/coursepipe/pkg/outline"
)

var (
	ErrInvalidParams = errors.New("invalid job parameters")
	ErrJobNotFound   = errors.New("job not found")
	ErrRateLimited   = errors.New("job start rate limit exceeded")
)

// Params are the caller-supplied values of one run.
type Params struct {
	Type jobregistry.JobType `json:"type"`

	// Input is the outline (or source) document handed to the generator.
	Input string `json:"input"`

	// Config is the generator's own configuration file. Empty falls back to
	// the runner default.
	Config string `json:"config,omitempty"`

	// Chapters restricts a content run, e.g. "1,3-5".
	Chapters string `json:"chapters,omitempty"`

	Debug bool `json:"debug,omitempty"`

	Subject         string `json:"subject,omitempty"`
	LearningStyle   string `json:"learningStyle,omitempty"`
	ExpectedContent string `json:"expectedContent,omitempty"`
}

// resolved is Params after validation.
type resolved struct {
	Params
	script    string
	input     string
	config    string
	selection outline.Selection
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

func (r *Runner) resolve(p Params) (*resolved, error) {
	if !p.Type.Valid() {
		return nil, invalid("unknown job type %q", p.Type)
	}
	script := strings.TrimSpace(r.opts.Scripts[p.Type])
	if script == "" {
		return nil, fmt.Errorf("no generator script configured for %s jobs", p.Type)
	}

	input, err := r.resolveFile("input", p.Input, r.inputs)
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(p.Config)
	if configPath == "" {
		configPath = r.opts.DefaultConfig
	}
	var config string
	if configPath != "" {
		config, err = r.resolveFile("config", configPath, nil)
		if err != nil {
			return nil, err
		}
	}

	sel, err := outline.ParseSelection(p.Chapters)
	if err != nil {
		return nil, invalid("%v", err)
	}

	return &resolved{
		Params:    p,
		script:    script,
		input:     input,
		config:    config,
		selection: sel,
	}, nil
}

// resolveFile makes path absolute against the workspace, rejects anything
// that escapes it, and checks the workspace-relative path against allow
// when it is set.
func (r *Runner) resolveFile(kind, path string, allow *match.Matcher) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", invalid("%s path is required", kind)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workspace, path)
	}
	path = filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}

	rel, err := filepath.Rel(r.workspace, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalid("%s path %q is outside the workspace", kind, path)
	}

	if allow != nil && !allow.Match(rel) {
		return "", invalid("%s path %q is not allowed", kind, filepath.ToSlash(rel))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", invalid("%s file %q not found", kind, rel)
	}
	if !info.Mode().IsRegular() {
		return "", invalid("%s path %q is not a regular file", kind, rel)
	}
	return path, nil
}

// argv builds the generator command line. Parameters only ever append
// arguments; the program and script come from configuration.
func (r *Runner) argv(p *resolved, logPath string) []string {
	args := []string{p.script, "--input", p.input}
	if p.config != "" {
		args = append(args, "--config", p.config)
	}
	if !p.selection.All() {
		args = append(args, "--chapters", p.selection.String())
	}
	if p.Debug && logPath != "" {
		args = append(args, "--debug", "--log-file", logPath)
	}
	return args
}

func (r *Runner) debugLogPath(t jobregistry.JobType, subject, jobID string) string {
	return filepath.Join(r.opts.LogsDir, Slug(subject), fmt.Sprintf("%s-%s.log", t, jobID))
}
