package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// Registry — закрытый реестр агентов. Не редактируется в рантайме.
type Registry struct {
	byID  map[string]domain.AgentDescriptor
	order []string
}

// New строит реестр и проверяет описания: уникальные ID, известная категория, интервал > 0.
func New(descriptors ...domain.AgentDescriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]domain.AgentDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("registry: empty agent id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate agent id %q", d.ID)
		}
		if d.Category != domain.CategoryCollector && d.Category != domain.CategoryAnalyzer {
			return nil, fmt.Errorf("registry: agent %q has unknown category %q", d.ID, d.Category)
		}
		if d.NominalInterval <= 0 {
			return nil, fmt.Errorf("registry: agent %q has non-positive interval", d.ID)
		}
		d.Sources = append([]string(nil), d.Sources...)
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// Default — агенты пайплайна рыночной аналитики.
func Default() *Registry {
	r, err := New(
		domain.AgentDescriptor{
			ID:              "reddit_scraper",
			DisplayName:     "Reddit Scraper",
			Category:        domain.CategoryCollector,
			NominalInterval: 6 * time.Hour,
			Sources:         []string{"reddit:r/stocks", "reddit:r/investing", "reddit:r/wallstreetbets"},
		},
		domain.AgentDescriptor{
			ID:              "hackernews_scraper",
			DisplayName:     "Hacker News Scraper",
			Category:        domain.CategoryCollector,
			NominalInterval: time.Hour,
			Sources:         []string{"hn:front", "hn:show"},
		},
		domain.AgentDescriptor{
			ID:              "news_collector",
			DisplayName:     "Market News Collector",
			Category:        domain.CategoryCollector,
			NominalInterval: 30 * time.Minute,
			Sources:         []string{"rss:reuters-markets", "rss:ft-markets"},
		},
		domain.AgentDescriptor{
			ID:              "analyzer",
			DisplayName:     "Signal Analyzer",
			Category:        domain.CategoryAnalyzer,
			NominalInterval: 15 * time.Minute,
		},
	)
	if err != nil {
		panic(err) // статический реестр, ошибка здесь — ошибка программиста
	}
	return r
}

// Get возвращает описание агента или ErrInvalidAgent.
func (r *Registry) Get(id string) (domain.AgentDescriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return domain.AgentDescriptor{}, fmt.Errorf("%w: %q", domain.ErrInvalidAgent, id)
	}
	return d, nil
}

// Has — быстрая проверка членства.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All возвращает описания в стабильном порядке (по ID).
func (r *Registry) All() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs возвращает идентификаторы агентов в стабильном порядке.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}
