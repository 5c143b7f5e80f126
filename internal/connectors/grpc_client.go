package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "intel.connector.v1.Connector"
	methodFetch   = "/" + serviceName + "/Fetch"
	methodAnalyze = "/" + serviceName + "/Analyze"
)

// GRPCClient — клиент коллабораторов. Сообщения — google.protobuf.Struct,
// чтобы не тащить сгенерированный код ради двух методов.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Dial открывает соединение с обязательными клиентскими интерцепторами.
func Dial(addr, token string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(RequireDeadline(), ServiceToken(token)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connectors: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Fetch реализует Fetcher.
func (c *GRPCClient) Fetch(ctx context.Context, source string) ([]domain.RawItem, error) {
	// 1. Запрос в Protobuf Struct
	req, err := structpb.NewStruct(map[string]interface{}{"source": source})
	if err != nil {
		return nil, fmt.Errorf("connectors: build fetch request: %w", err)
	}

	// 2. Вызов; trailer нужен для retry-after
	resp := &structpb.Struct{}
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, methodFetch, req, resp, grpc.Trailer(&trailer)); err != nil {
		return nil, classify("fetch:"+source, err, trailer)
	}

	// 3. Разбор ответа
	values := resp.GetFields()["items"].GetListValue().GetValues()
	items := make([]domain.RawItem, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		item := domain.RawItem{
			ID:      f["id"].GetStringValue(),
			Source:  source,
			Content: f["content"].GetStringValue(),
		}
		if item.ID == "" {
			continue
		}
		item.FetchedAt, _ = time.Parse(time.RFC3339Nano, f["fetched_at"].GetStringValue())
		if item.FetchedAt.IsZero() {
			item.FetchedAt = time.Now().UTC()
		}
		items = append(items, item)
	}
	return items, nil
}

// Analyze реализует Analyzer.
func (c *GRPCClient) Analyze(ctx context.Context, item domain.RawItem, hint string) (Analysis, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"item_id": item.ID,
		"source":  item.Source,
		"content": item.Content,
		"hint":    hint,
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("connectors: build analyze request: %w", err)
	}

	resp := &structpb.Struct{}
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, methodAnalyze, req, resp, grpc.Trailer(&trailer)); err != nil {
		return Analysis{}, classify("analyze", err, trailer)
	}

	result := resp.GetFields()["result"].GetStructValue()
	if result == nil || len(result.GetFields()) == 0 {
		return Analysis{}, &domain.ValidationError{Reason: "empty result"}
	}
	cost := resp.GetFields()["cost_usd"].GetNumberValue()
	if cost < 0 {
		return Analysis{}, &domain.ValidationError{Reason: "negative cost"}
	}
	return Analysis{Fields: result.AsMap(), CostUSD: cost}, nil
}

// ErrNoDeadline — вызов коллаборатора без дедлайна запрещен.
var ErrNoDeadline = errors.New("connectors: call without deadline")
