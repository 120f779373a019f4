// Package grpcapi exposes the controller command surface over gRPC.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

type StatusSource interface {
	Handle(ctx context.Context, cmd kneader.Command) kneader.Response
	Status() kneader.Status
	Subscribe() (<-chan kneader.Status, func())
}

type ConnectionState interface {
	IsConnected() bool
}

type ControllerService struct {
	source StatusSource
	logger *zap.Logger
}

func NewControllerService(source StatusSource, logger *zap.Logger) *ControllerService {
	return &ControllerService{source: source, logger: logger}
}

// Execute takes the same command object as the HMI line protocol.
func (s *ControllerService) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cmd kneader.Command
	if err := fromStruct(in, &cmd); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid command: %v", err)
	}
	if cmd.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}

	resp := s.source.Handle(ctx, cmd)

	out, err := toStruct(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.String("command", cmd.Command), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// WatchStatus sends the current snapshot and then every change until the
// client goes away.
func (s *ControllerService) WatchStatus(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	updates, cancel := s.source.Subscribe()
	defer cancel()

	if err := s.send(stream, s.source.Status()); err != nil {
		return err
	}

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.send(stream, st); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *ControllerService) send(stream grpc.ServerStreamingServer[structpb.Struct], st kneader.Status) error {
	msg, err := toStruct(st)
	if err != nil {
		return status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return stream.Send(msg)
}

// TrackHardware keeps the health status of the service in line with the
// hardware link until ctx is done.
func TrackHardware(ctx context.Context, hs *health.Server, hw ConnectionState, interval time.Duration) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if hw.IsConnected() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		if st != last {
			hs.SetServingStatus("", st)
			hs.SetServingStatus(ServiceName, st)
			last = st
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}

// Register adds the controller and health services to srv.
func Register(srv *grpc.Server, svc *ControllerService) *health.Server {
	RegisterControllerServer(srv, svc)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("response is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
