// Package admin exposes an operator-only gRPC surface — DrainQueue,
// ResetBreaker, ForceRetry, DumpPending — bound to a loopback-only
// address per tier. There is no protoc toolchain available to generate
// request/response types, so this registers a grpc.ServiceDesc by hand
// against protobuf's precompiled well-known types
// (wrapperspb.StringValue, emptypb.Empty, structpb.Struct) rather than
// fabricating hand-authored generated code. This is the pack's wired
// home for google.golang.org/grpc and google.golang.org/protobuf.
package admin

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tomasquin2003/ballot-delivery/broker/breaker"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

// Caster is the subset of *sender.Sender the admin surface needs to
// expose casting to an operator tool in place of the out-of-scope
// voting console.
type Caster interface {
	Cast(candidateID, voterID string) (string, error)
}

// Retrier is the subset of *scheduler.Scheduler the admin surface needs
// to actually force a retry instead of merely auditing the request.
type Retrier interface {
	ForceRetry(ballotID string) error
}

// Server backs the admin RPCs. Every field is optional; a nil field
// simply makes its RPCs return an error, since most fields are only
// meaningful on one tier (Breaker/Queue/Scheduler on a broker, Caster
// on a station).
type Server struct {
	Log       *log.Log
	Breaker   *breaker.Breaker
	Queue     *queue.Queue
	Caster    Caster
	Scheduler Retrier
}

// drainQueue empties the in-memory queue into the broker log's pending
// set without attempting delivery, letting an operator pause a
// misbehaving destination without losing queued ballots.
func (s *Server) drainQueue(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if s.Queue == nil {
		return nil, fmt.Errorf("no queue bound to this instance")
	}
	drained := 0
	for {
		b, _, ok := s.Queue.Dequeue()
		if !ok {
			break
		}
		_ = b
		drained++
		select {
		case <-ctx.Done():
			return wrapperspb.String(fmt.Sprintf("drained %d entries (cancelled)", drained)), ctx.Err()
		default:
		}
		if s.Queue.Len() == 0 {
			break
		}
	}
	logging.Tracef("admin: drained %d queued entries", drained)
	return wrapperspb.String(fmt.Sprintf("drained %d entries", drained)), nil
}

// resetBreaker forces destination back to CLOSED.
func (s *Server) resetBreaker(_ context.Context, destination *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.Breaker == nil {
		return nil, fmt.Errorf("no breaker bound to this instance")
	}
	s.Breaker.Reset(destination.GetValue())
	logging.Tracef("admin: reset breaker for %s", destination.GetValue())
	return &emptypb.Empty{}, nil
}

// forceRetry clears ballotId's quarantine (if any) and re-enqueues it
// at HIGH priority immediately, instead of waiting for the scheduler's
// backoff window to elapse naturally.
func (s *Server) forceRetry(_ context.Context, ballotID *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.Scheduler == nil {
		return nil, fmt.Errorf("no scheduler bound to this instance")
	}
	if err := s.Scheduler.ForceRetry(ballotID.GetValue()); err != nil {
		return nil, err
	}
	if s.Log != nil {
		if err := s.Log.AuditWrite("FORCE_RETRY", ballotID.GetValue(), "operator requested immediate retry"); err != nil {
			logging.Warnf("auditing force-retry for %s: %v", ballotID.GetValue(), err)
		}
	}
	logging.Tracef("admin: force-retry requested for %s", ballotID.GetValue())
	return &emptypb.Empty{}, nil
}

// dumpPending returns every BrokerRecord not yet SENT as a structured
// value, one entry per ballotId.
func (s *Server) dumpPending(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.Log == nil {
		return nil, fmt.Errorf("no log bound to this instance")
	}
	fields := make(map[string]interface{})
	for _, r := range s.Log.ListPending() {
		fields[r.Ballot.BallotID] = map[string]interface{}{
			"candidateId": r.Ballot.CandidateID,
			"priority":    float64(r.Priority),
			"attempts":    float64(r.Attempts),
		}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding pending dump: %w", err)
	}
	return st, nil
}

// castBallot is the operator-tool stand-in for the out-of-scope voting
// console: request carries {"candidateId", "voterId"}, response is the
// assigned ballotId.
func (s *Server) castBallot(_ context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	if s.Caster == nil {
		return nil, fmt.Errorf("no caster bound to this instance")
	}
	candidateID := req.GetFields()["candidateId"].GetStringValue()
	voterID := req.GetFields()["voterId"].GetStringValue()
	ballotID, err := s.Caster.Cast(candidateID, voterID)
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(ballotID), nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "delivery.admin.Admin",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "DrainQueue",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*Server).drainQueue(ctx, in)
			},
		},
		{
			MethodName: "ResetBreaker",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(wrapperspb.StringValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*Server).resetBreaker(ctx, in)
			},
		},
		{
			MethodName: "ForceRetry",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(wrapperspb.StringValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*Server).forceRetry(ctx, in)
			},
		},
		{
			MethodName: "DumpPending",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*Server).dumpPending(ctx, in)
			},
		},
		{
			MethodName: "CastBallot",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*Server).castBallot(ctx, in)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "delivery/admin/admin.go",
}

// Listen starts a gRPC server bound to address (expected loopback-only,
// e.g. "127.0.0.1:0") serving s. It returns the grpc.Server and the
// bound net.Listener so the caller can read back the ephemeral port.
func Listen(address string, s *Server) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("binding admin listener on %s: %w", address, err)
	}
	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, s)
	go func() {
		if err := gs.Serve(lis); err != nil {
			logging.Warnf("admin server stopped: %v", err)
		}
	}()
	return gs, lis, nil
}
