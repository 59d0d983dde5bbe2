// Package importer reconciles highlight export sources with the local card
// store and queues the new highlights for the server.
package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/gitsource"
	"github.com/conorfennell/readback/internal/knol"
	"github.com/conorfennell/readback/internal/parser"
	"github.com/conorfennell/readback/internal/review"
	"github.com/conorfennell/readback/internal/storage"
)

// Source types stored alongside each source path.
const (
	SourceLocal = "local"
	SourceGit   = "git"
)

// Enqueuer persists a mutation for delivery to the server.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind domain.MutationKind, payload any, chainKey string) (string, error)
}

// Result counts what one Run did.
type Result struct {
	Sources  int `json:"sources"`
	Parsed   int `json:"parsed"`
	Created  int `json:"created"`
	Orphaned int `json:"orphaned"`
	Errors   int `json:"errors"`
}

func (r *Result) add(o Result) {
	r.Parsed += o.Parsed
	r.Created += o.Created
	r.Orphaned += o.Orphaned
	r.Errors += o.Errors
}

// Importer walks configured sources for markdown highlight exports.
type Importer struct {
	db       *storage.DB
	queue    Enqueuer
	reviews  *review.Service
	reposDir string
	now      func() time.Time
}

// New returns an importer. Git sources are checked out under reposDir.
func New(db *storage.DB, queue Enqueuer, reposDir string) *Importer {
	return &Importer{
		db:       db,
		queue:    queue,
		reviews:  review.New(db),
		reposDir: reposDir,
		now:      time.Now,
	}
}

// AddSource registers a local directory or git URL. Adding a path twice
// returns the existing source.
func (im *Importer) AddSource(ctx context.Context, path string) (storage.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return storage.Source{}, fmt.Errorf("source path cannot be empty")
	}
	existing, err := im.db.FindSourceByPath(ctx, path)
	if err != nil {
		return storage.Source{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	sourceType := SourceLocal
	if gitsource.IsGitURL(path) {
		sourceType = SourceGit
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return storage.Source{}, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		path = abs
	}

	id, err := im.db.InsertSource(ctx, path, sourceType)
	if err != nil {
		return storage.Source{}, err
	}
	slog.Info("source added", "id", id, "type", sourceType, "path", path)
	return storage.Source{ID: id, Path: path, Type: sourceType}, nil
}

// Run iterates over all sources and reconciles them. Errors in one source
// are logged and counted; they do not stop the others.
func (im *Importer) Run(ctx context.Context) (Result, error) {
	slog.Info("starting import for all sources")
	sources, err := im.db.GetAllSources(ctx)
	if err != nil {
		return Result{}, err
	}

	var total Result
	if len(sources) == 0 {
		slog.Info("no sources configured")
		return total, nil
	}

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		slog.Info("importing source", "id", source.ID, "type", source.Type, "path", source.Path)
		total.Sources++

		dir := source.Path
		if source.Type == SourceGit {
			dir, err = im.checkout(ctx, source.Path)
			if err != nil {
				slog.Error("error syncing git repo", "url", source.Path, "error", err)
				total.Errors++
				continue
			}
		}
		total.add(im.reconcile(ctx, source, dir))
	}

	slog.Info("import complete",
		"sources", total.Sources,
		"parsed", total.Parsed,
		"created", total.Created,
		"orphaned", total.Orphaned,
		"errors", total.Errors,
	)
	return total, nil
}

func (im *Importer) checkout(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(im.reposDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create repos directory: %w", err)
	}
	local, err := gitsource.LocalPath(im.reposDir, url)
	if err != nil {
		return "", err
	}
	if err := gitsource.Sync(ctx, url, local); err != nil {
		return "", err
	}
	return local, nil
}

func (im *Importer) reconcile(ctx context.Context, source storage.Source, dir string) Result {
	var res Result
	found := make(map[string]bool)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		highlights, err := parser.ParseFile(path)
		if err != nil {
			slog.Warn("failed to parse export", "path", path, "error", err)
			res.Errors++
			return nil
		}
		for _, h := range highlights {
			h.Hash = knol.Hash(h)
			res.Parsed++
			found[h.Hash] = true

			created, err := im.importHighlight(ctx, h, source.ID)
			if err != nil {
				slog.Warn("failed to import highlight", "hash", h.Hash, "path", path, "error", err)
				res.Errors++
				continue
			}
			if created {
				res.Created++
			}
		}
		return ctx.Err()
	})
	if walkErr != nil {
		slog.Error("error walking directory", "path", dir, "error", walkErr)
		res.Errors++
		return res
	}

	cards, err := im.db.CardsBySource(ctx, source.ID)
	if err != nil {
		slog.Error("error getting cards for source", "source_id", source.ID, "error", err)
		res.Errors++
		return res
	}
	for _, c := range cards {
		if found[c.ID] {
			continue
		}
		slog.Info("orphaned card, deleting", "id", c.ID)
		if err := im.db.DeleteCard(ctx, c.ID); err != nil {
			slog.Warn("failed to delete orphaned card", "id", c.ID, "error", err)
			res.Errors++
			continue
		}
		res.Orphaned++
	}

	if err := im.db.UpdateSourceLastScanned(ctx, source.ID, im.now()); err != nil {
		slog.Warn("failed to update last scanned for source", "source_id", source.ID, "error", err)
	}
	slog.Info("reconciliation complete",
		"path", dir,
		"parsed", res.Parsed,
		"created", res.Created,
		"orphaned", res.Orphaned,
		"errors", res.Errors,
	)
	return res
}

// importHighlight queues the article unless some earlier mutation already
// did, then the highlight, then creates the review card. The card is written
// last so a failed enqueue is retried by the next run; the queued_articles
// ledger keeps that retry from queueing the article twice.
func (im *Importer) importHighlight(ctx context.Context, h domain.Highlight, sourceID int64) (bool, error) {
	existing, err := im.db.FindCard(ctx, h.Hash)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	now := im.now()
	queued, err := im.db.ArticleQueued(ctx, h.ArticleURL)
	if err != nil {
		return false, err
	}
	if !queued {
		article := domain.ArticlePayload{URL: h.ArticleURL, Title: h.ArticleTitle, SavedAt: now}
		if _, err := im.queue.Enqueue(ctx, domain.CreateArticle, article, h.ArticleURL); err != nil {
			return false, err
		}
	}

	highlight := domain.HighlightPayload{ID: h.Hash, ArticleURL: h.ArticleURL, Text: h.Text, Note: h.Note}
	if _, err := im.queue.Enqueue(ctx, domain.CreateHighlight, highlight, h.ArticleURL); err != nil {
		return false, err
	}

	if _, _, err := im.reviews.EnsureFromSource(ctx, h, sourceID, now); err != nil {
		return false, err
	}
	slog.Debug("new highlight imported", "hash", h.Hash, "article", h.ArticleURL)
	return true, nil
}
