package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
)

// metadata is the session descriptor written at start, before the first
// event. It ties the trace to the workspace state the assistant ran
// against.
type metadata struct {
	SessionID string         `json:"session_id"`
	Name      string         `json:"name,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt int64          `json:"created_at"`
	TraceDir  string         `json:"trace_dir"`
	Wrapped   wrappedMeta    `json:"wrapped"`
	Proxy     proxyMeta      `json:"proxy"`
	Workspace *workspaceMeta `json:"workspace,omitempty"`
	Config    configMeta     `json:"config"`
}

type wrappedMeta struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args,omitempty"`
}

type proxyMeta struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// workspaceMeta is the git snapshot of the working directory.
type workspaceMeta struct {
	Commit     string `json:"commit"`
	Branch     string `json:"branch,omitempty"`
	DirtyFiles int    `json:"dirty_files"`
}

// configMeta is the subset of configuration worth replaying from a trace.
type configMeta struct {
	IncludeAll   bool `json:"include_all"`
	MaxBodySize  int  `json:"max_body_size"`
	HighSecurity bool `json:"high_security"`
}

// writeMetadata persists metadata.json. Failures are warnings; a session
// without metadata is still a usable trace.
func (c *Coordinator) writeMetadata(proxyHost string, proxyPort int) {
	meta := metadata{
		SessionID: c.sessionID,
		Name:      c.cfg.Session.Name,
		Tags:      c.cfg.Session.Tags,
		CreatedAt: time.Now().UnixMilli(),
		TraceDir:  c.cfg.TraceDir,
		Wrapped: wrappedMeta{
			Binary: c.cfg.Wrapped.Binary,
			Args:   c.cfg.Wrapped.Args,
		},
		Proxy:     proxyMeta{Host: proxyHost, Port: proxyPort},
		Workspace: workspaceSnapshot("."),
		Config: configMeta{
			IncludeAll:   c.cfg.IncludeAll,
			MaxBodySize:  c.cfg.MaxBodySize,
			HighSecurity: c.cfg.Sanitize.HighSecurity,
		},
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		c.logger.Warn("metadata marshal failed", "error", err)
		return
	}
	path := filepath.Join(c.dir, "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn("metadata write failed", "path", path, "error", err)
	}
}

// workspaceSnapshot records HEAD, branch and dirty-file count of the git
// repository containing dir, or nil when there is none.
func workspaceSnapshot(dir string) *workspaceMeta {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}

	head, err := repo.Head()
	if err != nil {
		return nil
	}

	meta := &workspaceMeta{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		meta.Branch = head.Name().Short()
	}

	// Status walks the worktree; tolerate failure on odd repos.
	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			for _, fileStatus := range status {
				if fileStatus.Worktree != git.Unmodified || fileStatus.Staging != git.Unmodified {
					meta.DirtyFiles++
				}
			}
		}
	}
	return meta
}
