// ============================================================================
// acceptq Admin Server - gRPC 管理介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外提供管理用 gRPC 端點
//
// 服務:
//   1. grpc.health.v1.Health
//      - ""        : 整體狀態
//      - "acceptq" : 連線服務狀態
//      SERVING 於 controller 啟動後設定，停機開始時切為 NOT_SERVING
//   2. acceptq.admin.v1.Admin/Stats
//      - 請求 google.protobuf.Empty
//      - 回應 google.protobuf.Struct（types.Stats 的欄位）
//      使用 well-known types，因此不需要額外的 .proto 生成碼
//
// 生命週期:
//   New() → Start() → SetServing(true) → ... → Stop()
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/acceptq/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the health service name reported for connection serving.
	ServiceName = "acceptq"
	// StatsMethod is the full method name of the stats RPC.
	StatsMethod = "/acceptq.admin.v1.Admin/Stats"
)

// ErrAlreadyStarted 重複啟動
var ErrAlreadyStarted = errors.New("admin server already started")

// StatsSource provides the runtime snapshot served by the Stats RPC.
type StatsSource interface {
	Stats() types.Stats
}

// StatsSourceFunc adapts a function to StatsSource.
type StatsSourceFunc func() types.Stats

// Stats implements StatsSource.
func (f StatsSourceFunc) Stats() types.Stats { return f() }

// Server is the admin gRPC server.
type Server struct {
	addr   string
	source StatsSource
	log    *slog.Logger

	grpc   *grpc.Server
	health *health.Server

	mu      sync.Mutex
	ln      net.Listener
	started bool
	done    chan struct{}
}

// New creates an admin server for addr. source may be nil, in which case the
// Stats RPC returns Unavailable.
func New(addr string, source StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		source: source,
		log:    logger,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		done:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&adminServiceDesc, s)

	// 啟動前一律 NOT_SERVING
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start 監聽並在背景提供服務
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.started = true

	go func() {
		defer close(s.done)
		s.log.Info("admin server listening", "address", ln.Addr().String())
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("admin server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SetServing 切換健康狀態
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Stop 標記 NOT_SERVING 並優雅關閉
func (s *Server) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.health.Shutdown()
	if !started {
		return
	}
	s.grpc.GracefulStop()
	<-s.done
}

// Stats implements the admin Stats RPC.
func (s *Server) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.source == nil {
		return nil, status.Error(codes.Unavailable, "no stats source")
	}
	st, err := StatsStruct(s.source.Stats())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// StatsStruct converts a stats snapshot to a protobuf Struct.
func StatsStruct(st types.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"queue_length":    st.QueueLength,
		"queue_capacity":  st.QueueCapacity,
		"waiting_workers": st.WaitingWorkers,
		"workers":         st.Workers,
		"idle_conns":      st.IdleConns,
		"listeners":       st.Listeners,
		"stopping":        st.Stopping,
		"uptime":          st.Uptime,
	})
}

// ============================================================================
// 手寫的服務描述（無 .proto 生成碼）
// ============================================================================

type adminServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "acceptq.admin.v1.Admin",
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "acceptq/admin/v1/admin.proto",
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(adminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// 客戶端
// ============================================================================

// Status is what the status command reports.
type Status struct {
	Health *healthpb.HealthCheckResponse
	Stats  *structpb.Struct
}

// FetchStatus dials the admin server at addr and queries health and stats.
func FetchStatus(ctx context.Context, addr string) (*Status, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	stats := new(structpb.Struct)
	if err := conn.Invoke(ctx, StatsMethod, &emptypb.Empty{}, stats); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &Status{Health: hc, Stats: stats}, nil
}
