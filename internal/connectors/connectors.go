package connectors

import (
	"context"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// Fetcher — Content Fetcher. Обязан уважать дедлайн контекста.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]domain.RawItem, error)
}

// Analyzer — Analysis Model. hint — уточнение после ValidationError (пусто на первой попытке).
type Analyzer interface {
	Analyze(ctx context.Context, item domain.RawItem, hint string) (Analysis, error)
}

// Analysis — структурированный результат по одному элементу.
type Analysis struct {
	Fields  map[string]interface{}
	CostUSD float64
}
