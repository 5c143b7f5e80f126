package connectors

import (
	"context"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server выставляет Fetcher/Analyzer по gRPC (локальный стенд коннекторов).
type Server struct {
	fetcher  Fetcher
	analyzer Analyzer
	logger   *zap.Logger
}

func NewServer(f Fetcher, a Analyzer, logger *zap.Logger) *Server {
	return &Server{fetcher: f, analyzer: a, logger: logger.With(zap.String("mod", "connector-server"))}
}

// Register регистрирует сервис на gRPC сервере.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

type connectorService interface {
	fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func (s *Server) fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	source := req.GetFields()["source"].GetStringValue()
	items, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		s.logger.Warn("fetch failed", zap.String("source", source), zap.Error(err))
		return nil, toStatus(ctx, err)
	}

	list := make([]interface{}, 0, len(items))
	for _, it := range items {
		list = append(list, map[string]interface{}{
			"id":         it.ID,
			"content":    it.Content,
			"fetched_at": it.FetchedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"items": list})
}

func (s *Server) analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	item := domain.RawItem{
		ID:      f["item_id"].GetStringValue(),
		Source:  f["source"].GetStringValue(),
		Content: f["content"].GetStringValue(),
	}
	res, err := s.analyzer.Analyze(ctx, item, f["hint"].GetStringValue())
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"result":   res.Fields,
		"cost_usd": res.CostUSD,
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connectorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fetch", Handler: unaryHandler(methodFetch, connectorService.fetch)},
		{MethodName: "Analyze", Handler: unaryHandler(methodAnalyze, connectorService.analyze)},
	},
	Metadata: "intel/connector/v1/connector.proto",
}

func unaryHandler(
	fullMethod string,
	call func(connectorService, context.Context, *structpb.Struct) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(connectorService)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(svc, ctx, req.(*structpb.Struct))
		})
	}
}
