package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// ExtractionServiceName is the fully qualified gRPC service name.
const ExtractionServiceName = "billextractor.v1.ExtractionService"

// ExtractionServiceServer is the gRPC surface. Messages are
// google.protobuf.Struct so no generated code is required.
type ExtractionServiceServer interface {
	SubmitBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterExtractionServiceServer(s grpc.ServiceRegistrar, srv ExtractionServiceServer) {
	s.RegisterService(&extractionServiceDesc, srv)
}

func unaryHandler(call func(ExtractionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExtractionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ExtractionServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ExtractionServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

var extractionServiceDesc = grpc.ServiceDesc{
	ServiceName: ExtractionServiceName,
	HandlerType: (*ExtractionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitBatch", Handler: unaryHandler(ExtractionServiceServer.SubmitBatch, "SubmitBatch")},
		{MethodName: "GetStatus", Handler: unaryHandler(ExtractionServiceServer.GetStatus, "GetStatus")},
		{MethodName: "GetResults", Handler: unaryHandler(ExtractionServiceServer.GetResults, "GetResults")},
		{MethodName: "CancelTask", Handler: unaryHandler(ExtractionServiceServer.CancelTask, "CancelTask")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "billextractor/v1/extraction.proto",
}

type ExtractionService struct {
	tasks  TaskService
	logger *slog.Logger
}

func NewExtractionService(tasks TaskService, logger *slog.Logger) *ExtractionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionService{tasks: tasks, logger: logger}
}

// submitRequest mirrors the SubmitBatch Struct; content is base64 encoded.
type submitRequest struct {
	Files []struct {
		Filename string `json:"filename"`
		Content  []byte `json:"content"`
	} `json:"files"`
}

func (s *ExtractionService) SubmitBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in submitRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, common.InvalidArgumentErrorf("malformed request: %v", err)
	}
	docs := make([]entity.Document, len(in.Files))
	for i, f := range in.Files {
		docs[i] = entity.Document{Filename: f.Filename, Content: f.Content}
	}
	task, err := s.tasks.SubmitBatch(ctx, docs)
	if err != nil {
		return nil, s.fail("SubmitBatch", err)
	}
	return encodeStruct(map[string]any{
		"task_id":     task.ID,
		"status":      task.Status,
		"total_files": task.TotalFiles,
	})
}

func (s *ExtractionService) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	task, err := s.tasks.GetStatus(ctx, taskIDOf(req))
	if err != nil {
		return nil, s.fail("GetStatus", err)
	}
	return encodeStruct(task)
}

func (s *ExtractionService) GetResults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := taskIDOf(req)
	task, err := s.tasks.GetStatus(ctx, id)
	if err != nil {
		return nil, s.fail("GetResults", err)
	}
	results, err := s.tasks.GetResults(ctx, id)
	if err != nil {
		return nil, s.fail("GetResults", err)
	}
	if results == nil {
		results = []*entity.FileResult{}
	}
	return encodeStruct(map[string]any{"task_id": id, "status": task, "results": results})
}

func (s *ExtractionService) CancelTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	task, err := s.tasks.Cancel(ctx, taskIDOf(req))
	if err != nil {
		return nil, s.fail("CancelTask", err)
	}
	return encodeStruct(task)
}

func (s *ExtractionService) fail(method string, err error) error {
	st := common.GRPCError(err)
	if common.HTTPStatus(err) >= 500 {
		s.logger.Error("grpc call failed", "method", method, "error", err)
	}
	return st
}

func taskIDOf(req *structpb.Struct) string {
	return req.GetFields()["task_id"].GetStringValue()
}

func decodeStruct(in *structpb.Struct, out any) error {
	b, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// encodeStruct round-trips v through its JSON form so the gRPC payload
// matches the HTTP body field for field.
func encodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

// NewGRPCServer builds a server with the extraction and health services registered.
func NewGRPCServer(tasks TaskService, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(requestIDInterceptor(), loggingInterceptor(logger)))
	RegisterExtractionServiceServer(srv, NewExtractionService(tasks, logger))

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ExtractionServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return srv, hs
}

func requestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, _ = common.EnsureRequestID(ctx)
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			"method", info.FullMethod,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"request_id", common.RequestIDFromContext(ctx),
			"error", err,
		)
		return resp, err
	}
}
