// Package feedimport saves the entries of an RSS or Atom feed as articles.
package feedimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/conorfennell/readback/internal/domain"
)

// Enqueuer persists a mutation for delivery to the server.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind domain.MutationKind, payload any, chainKey string) (string, error)
}

// Ledger remembers which entries were imported before and which article URLs
// are already queued.
type Ledger interface {
	FeedItemSeen(ctx context.Context, link string) (bool, error)
	ArticleQueued(ctx context.Context, url string) (bool, error)
	MarkFeedItem(ctx context.Context, feedURL, link string, at time.Time) error
}

// Result counts what one Import did.
type Result struct {
	Title   string `json:"title"`
	Items   int    `json:"items"`
	Queued  int    `json:"queued"`
	Skipped int    `json:"skipped"`
}

// Importer turns feed entries into create_article mutations.
type Importer struct {
	queue  Enqueuer
	ledger Ledger
	parser *gofeed.Parser
	now    func() time.Time
}

// New returns an importer.
func New(queue Enqueuer, ledger Ledger) *Importer {
	return &Importer{
		queue:  queue,
		ledger: ledger,
		parser: gofeed.NewParser(),
		now:    time.Now,
	}
}

// Import fetches feedURL and queues one create_article per entry not seen
// before, keyed by the entry link. Entries without a usable link, or whose
// link is already queued as an article, are skipped.
func (im *Importer) Import(ctx context.Context, feedURL string) (Result, error) {
	parsed, err := im.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return Result{}, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	res := Result{Title: parsed.Title, Items: len(parsed.Items)}
	now := im.now()
	for _, item := range parsed.Items {
		if item.Link == "" {
			res.Skipped++
			continue
		}
		seen, err := im.ledger.FeedItemSeen(ctx, item.Link)
		if err != nil {
			return res, err
		}
		if !seen {
			seen, err = im.ledger.ArticleQueued(ctx, item.Link)
			if err != nil {
				return res, err
			}
		}
		if seen {
			res.Skipped++
			continue
		}

		savedAt := now
		if item.PublishedParsed != nil {
			savedAt = *item.PublishedParsed
		}
		article := domain.ArticlePayload{URL: item.Link, Title: item.Title, SavedAt: savedAt}
		_, err = im.queue.Enqueue(ctx, domain.CreateArticle, article, item.Link)
		if errors.Is(err, domain.ErrInvalidMutation) {
			slog.Warn("skipping feed item", "link", item.Link, "error", err)
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to queue %s: %w", item.Link, err)
		}
		res.Queued++

		if err := im.ledger.MarkFeedItem(ctx, feedURL, item.Link, now); err != nil {
			slog.Warn("feed item queued but not recorded", "link", item.Link, "error", err)
		}
	}

	slog.Info("feed imported",
		"url", feedURL,
		"title", res.Title,
		"items", res.Items,
		"queued", res.Queued,
		"skipped", res.Skipped,
	)
	return res, nil
}
