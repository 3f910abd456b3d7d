// Package viewer turns a finalized session log into a self-contained HTML
// artifact. The renderer is pluggable; rendering failures are warnings,
// never fatal to the session.
package viewer

import (
	"log/slog"
	"sync"
)

// Options carries renderer options beyond the file paths.
type Options struct {
	// Title is the page title; usually the session display name or id.
	Title string

	// SessionID is the session the log belongs to.
	SessionID string
}

// Renderer produces the HTML artifact for a finalized log. It either
// writes outputHTMLPath itself or returns the payload to be written.
type Renderer interface {
	Render(jsonlPath, outputHTMLPath, template string, opts Options) ([]byte, error)
}

// Emitter invokes the renderer exactly once per session, after the writer
// has closed the log.
type Emitter struct {
	renderer Renderer
	logger   *slog.Logger
	once     sync.Once
}

// NewEmitter creates an Emitter. A nil renderer selects the built-in one.
func NewEmitter(renderer Renderer) *Emitter {
	if renderer == nil {
		renderer = &HTMLRenderer{}
	}
	return &Emitter{
		renderer: renderer,
		logger:   slog.Default().With("component", "viewer"),
	}
}

// Emit renders the viewer. The returned path is empty when rendering
// failed or was skipped; the error is already logged as a warning.
func (e *Emitter) Emit(jsonlPath, htmlPath, template string, opts Options) string {
	produced := ""
	e.once.Do(func() {
		payload, err := e.renderer.Render(jsonlPath, htmlPath, template, opts)
		if err != nil {
			e.logger.Warn("viewer rendering failed", "log", jsonlPath, "error", err)
			return
		}
		if payload != nil {
			if err := writeFileAtomic(htmlPath, payload); err != nil {
				e.logger.Warn("viewer write failed", "path", htmlPath, "error", err)
				return
			}
		}
		produced = htmlPath
		e.logger.Info("viewer written", "path", htmlPath)
	})
	return produced
}
