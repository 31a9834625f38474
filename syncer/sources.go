package syncer

import (
	"context"
	"time"

	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/upstream"
)

// listSource walks a paginated collection listing. Each Next fetches one
// page through the manager's gated call path; the page items then map and
// upsert locally, so a bad record is a per-item error and the page keeps
// going.
type listSource[T any] struct {
	m      *Manager
	fetch  func(ctx context.Context, cursor string) (results []T, next string, err error)
	item   func(rec T) workItem
	cursor string
	done   bool
}

func (s *listSource[T]) Next(ctx context.Context) ([]workItem, error) {
	if s.done {
		return nil, nil
	}
	var (
		results []T
		next    string
	)
	err := s.m.call(ctx, func() error {
		var err error
		results, next, err = s.fetch(ctx, s.cursor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cursor = next
	if next == "" {
		s.done = true
	}
	items := make([]workItem, 0, len(results))
	for _, rec := range results {
		items = append(items, s.item(rec))
	}
	return items, nil
}

// idSource fetches explicit external IDs one by one. The upstream fetch
// happens inside each item's apply, so a missing or broken record is a
// per-item error and the rest of the batch still runs.
type idSource struct {
	m     *Manager
	ids   []string
	chunk int
	item  func(id string) workItem
}

func (s *idSource) Next(ctx context.Context) ([]workItem, error) {
	if len(s.ids) == 0 {
		return nil, nil
	}
	n := min(s.chunk, len(s.ids))
	batch := s.ids[:n]
	s.ids = s.ids[n:]

	items := make([]workItem, 0, n)
	for _, id := range batch {
		items = append(items, s.item(id))
	}
	return items, nil
}

func newCourtSource(m *Manager, opts *Options, since time.Time) source {
	if len(opts.IDs) > 0 {
		return &idSource{
			m:     m,
			ids:   opts.IDs,
			chunk: opts.BatchSize,
			item: func(id string) workItem {
				return workItem{externalID: id, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
					var c *upstream.Court
					err := m.call(ctx, func() error {
						var err error
						c, err = m.cfg.Client.GetCourt(ctx, id)
						return err
					})
					if err != nil {
						return mirror.UpsertOutcome{}, err
					}
					return m.cfg.Store.UpsertCourt(ctx, mapCourt(c))
				}}
			},
		}
	}
	return &listSource[upstream.Court]{
		m: m,
		fetch: func(ctx context.Context, cursor string) ([]upstream.Court, string, error) {
			page, err := m.cfg.Client.ListCourts(ctx, upstream.ListOptions{
				Jurisdiction:  opts.Jurisdiction,
				ModifiedSince: since,
				PageSize:      opts.BatchSize,
				Cursor:        cursor,
			})
			if err != nil {
				return nil, "", err
			}
			return page.Results, page.NextCursor, nil
		},
		item: func(c upstream.Court) workItem {
			rec := c
			return workItem{externalID: rec.ID, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
				return m.cfg.Store.UpsertCourt(ctx, mapCourt(&rec))
			}}
		},
	}
}

func newJudgeSource(m *Manager, opts *Options, since time.Time) source {
	if len(opts.IDs) > 0 {
		return &idSource{
			m:     m,
			ids:   opts.IDs,
			chunk: opts.BatchSize,
			item: func(id string) workItem {
				return workItem{externalID: id, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
					var p *upstream.Person
					err := m.call(ctx, func() error {
						var err error
						p, err = m.cfg.Client.GetPerson(ctx, id)
						return err
					})
					if err != nil {
						return mirror.UpsertOutcome{}, err
					}
					return m.cfg.Store.UpsertJudge(ctx, mapJudge(p, opts.Jurisdiction))
				}}
			},
		}
	}
	return &listSource[upstream.Person]{
		m: m,
		fetch: func(ctx context.Context, cursor string) ([]upstream.Person, string, error) {
			page, err := m.cfg.Client.ListPeople(ctx, upstream.ListOptions{
				Jurisdiction:  opts.Jurisdiction,
				ModifiedSince: since,
				PageSize:      opts.BatchSize,
				Cursor:        cursor,
			})
			if err != nil {
				return nil, "", err
			}
			return page.Results, page.NextCursor, nil
		},
		item: func(p upstream.Person) workItem {
			rec := p
			return workItem{externalID: rec.ID, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
				return m.cfg.Store.UpsertJudge(ctx, mapJudge(&rec, opts.Jurisdiction))
			}}
		},
	}
}

func newDecisionSource(m *Manager, opts *Options, since time.Time) source {
	applyOpinion := func(ctx context.Context, op *upstream.Opinion) (mirror.UpsertOutcome, error) {
		d, err := mapDecision(op, opts.Jurisdiction)
		if err != nil {
			return mirror.UpsertOutcome{}, err
		}
		return m.cfg.Store.UpsertDecision(ctx, d)
	}

	if len(opts.IDs) > 0 {
		return &idSource{
			m:     m,
			ids:   opts.IDs,
			chunk: opts.BatchSize,
			item: func(id string) workItem {
				return workItem{externalID: id, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
					var op *upstream.Opinion
					err := m.call(ctx, func() error {
						var err error
						op, err = m.cfg.Client.GetOpinion(ctx, id)
						return err
					})
					if err != nil {
						return mirror.UpsertOutcome{}, err
					}
					return applyOpinion(ctx, op)
				}}
			},
		}
	}
	return &listSource[upstream.Opinion]{
		m: m,
		fetch: func(ctx context.Context, cursor string) ([]upstream.Opinion, string, error) {
			page, err := m.cfg.Client.ListOpinions(ctx, upstream.ListOptions{
				AuthorID:      opts.AuthorID,
				ModifiedSince: since,
				PageSize:      opts.BatchSize,
				Cursor:        cursor,
			})
			if err != nil {
				return nil, "", err
			}
			return page.Results, page.NextCursor, nil
		},
		item: func(op upstream.Opinion) workItem {
			rec := op
			return workItem{externalID: rec.ID, apply: func(ctx context.Context) (mirror.UpsertOutcome, error) {
				return applyOpinion(ctx, &rec)
			}}
		},
	}
}

func mapCourt(c *upstream.Court) *mirror.Court {
	return &mirror.Court{
		ExternalID:   c.ID,
		FullName:     c.FullName,
		ShortName:    c.ShortName,
		Jurisdiction: c.Jurisdiction,
		InUse:        c.InUse,
		URL:          c.URL,
	}
}

// mapJudge carries the run's jurisdiction onto the record: the provider's
// person payload has no jurisdiction field of its own.
func mapJudge(p *upstream.Person, jurisdiction string) *mirror.Judge {
	return &mirror.Judge{
		ExternalID:   p.ID,
		NameFirst:    p.NameFirst,
		NameLast:     p.NameLast,
		CourtID:      p.CourtID,
		Position:     p.Position,
		DateStart:    p.DateStart,
		Jurisdiction: jurisdiction,
	}
}

func mapDecision(op *upstream.Opinion, jurisdiction string) (*mirror.Decision, error) {
	text, err := mirror.SanitizeOpinionHTML(op.HTML)
	if err != nil {
		return nil, &MappingError{ExternalID: op.ID, Cause: err}
	}
	return &mirror.Decision{
		ExternalID:   op.ID,
		CaseName:     op.CaseName,
		CourtID:      op.CourtID,
		AuthorID:     op.AuthorID,
		DateFiled:    op.DateFiled,
		PlainText:    text,
		Jurisdiction: jurisdiction,
	}, nil
}
