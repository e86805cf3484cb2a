package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/query"
)

const (
	ServiceName = "moltpredict.v1.SettlementService"

	// Metadata keys carrying the caller identity.
	CallerMetadataKey    = "x-molt-caller"
	SignatureMetadataKey = "x-molt-signature"
)

// ============================================================================
// JSON codec
// ============================================================================

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype.
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ============================================================================
// Service definition
// ============================================================================

// SettlementServer is the gRPC settlement surface, one method per core
// operation.
type SettlementServer interface {
	MarketCount(context.Context, *MarketCountRequest) (*MarketCountResponse, error)
	GetMarket(context.Context, *GetMarketRequest) (*MarketResponse, error)
	GetUserBets(context.Context, *GetUserBetsRequest) (*UserBetsResponse, error)
	CreateMarket(context.Context, *CreateMarketRequest) (*MarketResponse, error)
	Bet(context.Context, *BetRequest) (*BetResponse, error)
	ResolveMarket(context.Context, *ResolveRequest) (*MarketResponse, error)
	ClaimWinnings(context.Context, *ClaimRequest) (*ClaimResponse, error)
}

func unaryMethod[Req, Resp any](name string, call func(SettlementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SettlementServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("MarketCount", SettlementServer.MarketCount),
		unaryMethod("GetMarket", SettlementServer.GetMarket),
		unaryMethod("GetUserBets", SettlementServer.GetUserBets),
		unaryMethod("CreateMarket", SettlementServer.CreateMarket),
		unaryMethod("Bet", SettlementServer.Bet),
		unaryMethod("ResolveMarket", SettlementServer.ResolveMarket),
		unaryMethod("ClaimWinnings", SettlementServer.ClaimWinnings),
	},
	Metadata: "moltpredict/v1/settlement.proto",
}

// RegisterSettlementServer registers srv on s.
func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&settlementServiceDesc, srv)
}

// ============================================================================
// Client
// ============================================================================

// SettlementClient calls the settlement service with the JSON codec.
type SettlementClient struct {
	cc grpc.ClientConnInterface
}

func NewSettlementClient(cc grpc.ClientConnInterface) *SettlementClient {
	return &SettlementClient{cc: cc}
}

// WithCaller attaches the caller identity (and optional signature) to ctx.
func WithCaller(ctx context.Context, caller common.Address, signature string) context.Context {
	kv := []string{CallerMetadataKey, caller.Hex()}
	if signature != "" {
		kv = append(kv, SignatureMetadataKey, signature)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func invoke[Resp any](ctx context.Context, c *SettlementClient, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(JSONCodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SettlementClient) MarketCount(ctx context.Context) (*MarketCountResponse, error) {
	return invoke[MarketCountResponse](ctx, c, "MarketCount", &MarketCountRequest{})
}

func (c *SettlementClient) GetMarket(ctx context.Context, id uint64) (*MarketResponse, error) {
	return invoke[MarketResponse](ctx, c, "GetMarket", &GetMarketRequest{MarketID: id})
}

func (c *SettlementClient) GetUserBets(ctx context.Context, id uint64, participant common.Address) (*UserBetsResponse, error) {
	return invoke[UserBetsResponse](ctx, c, "GetUserBets", &GetUserBetsRequest{MarketID: id, Participant: participant.Hex()})
}

func (c *SettlementClient) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*MarketResponse, error) {
	return invoke[MarketResponse](ctx, c, "CreateMarket", req)
}

func (c *SettlementClient) Bet(ctx context.Context, req *BetRequest) (*BetResponse, error) {
	return invoke[BetResponse](ctx, c, "Bet", req)
}

func (c *SettlementClient) ResolveMarket(ctx context.Context, req *ResolveRequest) (*MarketResponse, error) {
	return invoke[MarketResponse](ctx, c, "ResolveMarket", req)
}

func (c *SettlementClient) ClaimWinnings(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error) {
	return invoke[ClaimResponse](ctx, c, "ClaimWinnings", req)
}

// ============================================================================
// Implementation
// ============================================================================

type settlementService struct {
	Deps
}

func (s *settlementService) MarketCount(context.Context, *MarketCountRequest) (*MarketCountResponse, error) {
	return &MarketCountResponse{Count: s.Engine.MarketCount(), AsOfSequence: s.Engine.GetSequence()}, nil
}

func (s *settlementService) GetMarket(_ context.Context, req *GetMarketRequest) (*MarketResponse, error) {
	m, err := s.Engine.GetMarket(req.MarketID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &MarketResponse{Market: query.NewMarketView(m, s.Engine.Now(), s.Engine.GetSequence())}, nil
}

func (s *settlementService) GetUserBets(_ context.Context, req *GetUserBetsRequest) (*UserBetsResponse, error) {
	participant, err := identity.ParseAddress(req.Participant)
	if err != nil {
		return nil, s.toStatus(err)
	}
	bet, _, err := s.Engine.GetBet(req.MarketID, participant)
	if err != nil {
		return nil, s.toStatus(err)
	}
	bet.MarketID, bet.Participant = req.MarketID, participant
	return &UserBetsResponse{Bet: query.NewBetView(bet), AsOfSequence: s.Engine.GetSequence()}, nil
}

func (s *settlementService) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*MarketResponse, error) {
	caller, sig, err := callerFromMetadata(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	cmd, err := req.command(caller)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.Dispatcher.Dispatch(ctx, cmd, sig, "grpc")
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &MarketResponse{Market: query.NewMarketView(*res.Market, s.Engine.Now(), s.Engine.GetSequence())}, nil
}

func (s *settlementService) Bet(ctx context.Context, req *BetRequest) (*BetResponse, error) {
	caller, sig, err := callerFromMetadata(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	cmd, err := req.command(caller)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.Dispatcher.Dispatch(ctx, cmd, sig, "grpc")
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &BetResponse{RequestID: res.RequestID, Bet: query.NewBetView(*res.Bet)}, nil
}

func (s *settlementService) ResolveMarket(ctx context.Context, req *ResolveRequest) (*MarketResponse, error) {
	caller, sig, err := callerFromMetadata(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	cmd, err := req.command(caller)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.Dispatcher.Dispatch(ctx, cmd, sig, "grpc")
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &MarketResponse{Market: query.NewMarketView(*res.Market, s.Engine.Now(), s.Engine.GetSequence())}, nil
}

func (s *settlementService) ClaimWinnings(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error) {
	caller, sig, err := callerFromMetadata(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.Dispatcher.Dispatch(ctx, req.command(caller), sig, "grpc")
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &ClaimResponse{RequestID: res.RequestID, MarketID: res.MarketID, Payout: query.NewAmount(res.Payout)}, nil
}

func callerFromMetadata(ctx context.Context) (common.Address, string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	caller, err := identity.ParseAddress(first(CallerMetadataKey))
	if err != nil {
		return common.Address{}, "", fmt.Errorf("%s metadata: %w", CallerMetadataKey, err)
	}
	return caller, first(SignatureMetadataKey), nil
}

// toStatus converts a domain error into a gRPC status carrying its code in
// the message prefix.
func (s *settlementService) toStatus(err error) error {
	kind := classify(err)
	if kind.grpcCode == codes.Internal {
		s.Logger.Error().Err(err).Msg("grpc request failed")
	}
	return status.Errorf(kind.grpcCode, "%s: %v", kind.code, err)
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer serves the settlement service and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, deps Deps, opts ...grpc.ServerOption) *GRPCServer {
	s := grpc.NewServer(opts...)
	RegisterSettlementServer(s, &settlementService{Deps: deps})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{grpcServer: s, health: healthServer, addr: addr, log: deps.Logger}
}

// SetServing flips the health status of the settlement service once
// recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	// Serve returns when the listener closes; GracefulStop returns once
	// pending RPCs are done.
	<-stopped
	return nil
}

var _ SettlementServer = (*settlementService)(nil)
