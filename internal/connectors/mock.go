package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// MockFetcher имитирует источники с задержкой. Источник с префиксом "unstable:" сбоит через раз.
type MockFetcher struct {
	ItemsPerSource int
	MinLatency     time.Duration
	MaxLatency     time.Duration
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{ItemsPerSource: 5, MinLatency: 50 * time.Millisecond, MaxLatency: 300 * time.Millisecond}
}

var headlines = []string{
	"Chipmaker beats earnings estimates, raises guidance",
	"Retail investors pile into energy names after OPEC cut",
	"Regional bank shares slide on deposit outflow fears",
	"Show HN: open-source terminal for options flow",
	"Fed minutes hint at slower pace of rate cuts",
	"EV maker recalls 40k vehicles over software glitch",
}

func (m *MockFetcher) Fetch(ctx context.Context, source string) ([]domain.RawItem, error) {
	if err := sleep(ctx, m.MinLatency, m.MaxLatency); err != nil {
		return nil, err
	}
	if strings.HasPrefix(source, "unstable:") && rand.IntN(2) == 0 {
		return nil, &domain.TransientError{Op: "fetch", Cause: fmt.Errorf("%s: upstream 503", source)}
	}

	now := time.Now().UTC()
	items := make([]domain.RawItem, 0, m.ItemsPerSource)
	for i := 0; i < m.ItemsPerSource; i++ {
		items = append(items, domain.RawItem{
			ID:        fmt.Sprintf("%s#%d-%d", source, now.UnixNano(), i),
			Source:    source,
			Content:   headlines[rand.IntN(len(headlines))],
			FetchedAt: now,
		})
	}
	return items, nil
}

// MockAnalyzer возвращает фиксированную структуру. Контент со словом "malformed"
// без уточнения дает ValidationError, как это делает модель с плохим ответом.
type MockAnalyzer struct {
	CostPerItem float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{CostPerItem: 0.002, MinLatency: 20 * time.Millisecond, MaxLatency: 120 * time.Millisecond}
}

func (m *MockAnalyzer) Analyze(ctx context.Context, item domain.RawItem, hint string) (Analysis, error) {
	if err := sleep(ctx, m.MinLatency, m.MaxLatency); err != nil {
		return Analysis{}, err
	}
	if strings.Contains(item.Content, "malformed") && hint == "" {
		return Analysis{}, &domain.ValidationError{Reason: "response is not valid JSON"}
	}

	sentiment := "neutral"
	lc := strings.ToLower(item.Content)
	switch {
	case strings.Contains(lc, "beats") || strings.Contains(lc, "pile into"):
		sentiment = "bullish"
	case strings.Contains(lc, "slide") || strings.Contains(lc, "recall"):
		sentiment = "bearish"
	}
	return Analysis{
		Fields: map[string]interface{}{
			"sentiment": sentiment,
			"summary":   item.Content,
			"source":    item.Source,
		},
		CostUSD: m.CostPerItem,
	}, nil
}

func sleep(ctx context.Context, lo, hi time.Duration) error {
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int64N(int64(hi - lo)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
