// Package grpcapi implements the gRPC API server of the offload daemon
// and the client used by offloadctl.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/offload"
)

const (
	defaultFlowLimit  = 100
	defaultEventLimit = 50

	// flowsTimeout bounds the wait for a busy offload worker to answer.
	flowsTimeout = 2 * time.Second
)

// Engine is the part of the offload engine the service uses.
type Engine interface {
	ShardFor(k flow.Key) int
	Stats() engine.Snapshot
	Flows(ctx context.Context, shard, limit int) ([]offload.FlowInfo, error)
	RequestRemove(k flow.Key) bool
}

// Config configures the gRPC server.
type Config struct {
	Engine   Engine
	EventBuf *logging.EventBuffer
}

// Server implements OffloadServer.
type Server struct {
	engine   Engine
	eventBuf *logging.EventBuffer
	addr     string
}

var _ OffloadServer = (*Server)(nil)

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		engine:   cfg.Engine,
		eventBuf: cfg.EventBuf,
		addr:     addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	srv := grpc.NewServer()
	RegisterOffloadServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", s.addr)
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

// Dial connects to a daemon's gRPC address without transport security.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// toStruct converts a JSON-encodable value to a Struct. Numbers become
// doubles, as in any JSON-to-Struct mapping.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// FromStruct decodes a reply into v, the inverse of the server's
// encoding.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func intField(in *structpb.Struct, name string, def int) (int, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return def, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue != float64(int(n.NumberValue)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
	}
	if n.NumberValue == 0 {
		return def, nil
	}
	return int(n.NumberValue), nil
}

func (s *Server) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.Unavailable, "engine not running")
	}
	return toStruct(s.engine.Stats())
}

// FlowRecord is the wire form of one flow in ListFlows replies.
type FlowRecord struct {
	Shard       int     `json:"shard"`
	Protocol    string  `json:"protocol"`
	Src         string  `json:"src"`
	Dst         string  `json:"dst"`
	InPort      uint16  `json:"in_port"`
	OutPort     uint16  `json:"out_port"`
	State       string  `json:"state"`
	Handle      string  `json:"handle"`
	Age         string  `json:"age"`
	Packets     uint64  `json:"packets"`
	Bytes       uint64  `json:"bytes"`
	IdleSeconds float64 `json:"idle_seconds"`
}

func (s *Server) ListFlows(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.Unavailable, "engine not running")
	}
	shard, err := intField(in, "shard", 0)
	if err != nil {
		return nil, err
	}
	limit, err := intField(in, "limit", defaultFlowLimit)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, flowsTimeout)
	defer cancel()
	fis, err := s.engine.Flows(ctx, shard, limit)
	if errors.Is(err, engine.ErrNoSuchShard) {
		return nil, status.Errorf(codes.NotFound, "%v", err)
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "%v", err)
	}
	now := time.Now()
	flows := make([]FlowRecord, 0, len(fis))
	for _, fi := range fis {
		flows = append(flows, FlowRecord{
			Shard:       fi.Shard,
			Protocol:    flow.ProtoName(fi.Key.Protocol),
			Src:         fi.Key.Src().String(),
			Dst:         fi.Key.Dst().String(),
			InPort:      uint16(fi.InPort),
			OutPort:     uint16(fi.Target.Port),
			State:       fi.State.String(),
			Handle:      fi.Handle.String(),
			Age:         now.Sub(fi.Installed).Truncate(time.Second).String(),
			Packets:     fi.Counters.Packets,
			Bytes:       fi.Counters.Bytes,
			IdleSeconds: fi.Counters.LastHit.Seconds(),
		})
	}
	return toStruct(map[string]any{"shard": shard, "count": len(flows), "flows": flows})
}

func (s *Server) RemoveFlow(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.Unavailable, "engine not running")
	}
	f := in.GetFields()
	k, err := flow.ParseKey(f["protocol"].GetStringValue(), f["src"].GetStringValue(), f["dst"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	shard := s.engine.ShardFor(k)
	if !s.engine.RequestRemove(k) {
		return nil, status.Errorf(codes.ResourceExhausted, "shard %d remove queue full", shard)
	}
	return toStruct(map[string]any{"shard": shard, "queued": true})
}

func (s *Server) ListEvents(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.eventBuf == nil {
		return nil, status.Error(codes.Unavailable, "event buffer not available")
	}
	limit, err := intField(in, "limit", defaultEventLimit)
	if err != nil {
		return nil, err
	}
	f := logging.EventFilter{Type: in.GetFields()["type"].GetStringValue()}
	events := s.eventBuf.LatestFiltered(limit, f)
	if events == nil {
		events = []logging.EventRecord{}
	}
	return toStruct(map[string]any{"events": events})
}
