package server

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Messages
// ============================================================================

// CommandID is optional on every command; a fresh id is generated when it
// is empty. Callers that retry must send the same id.

type InitializeRequest struct {
	CommandID     string `json:"command_id,omitempty"`
	Backstop      string `json:"backstop"`
	BackstopToken string `json:"backstop_token"`
	PoolFactory   string `json:"pool_factory"`
}

type BootstrapRequest struct {
	CommandID    string `json:"command_id,omitempty"`
	Bootstrapper string `json:"bootstrapper"`
	Pool         string `json:"pool"`
	Amount       int64  `json:"amount"`
	PairMin      int64  `json:"pair_min"`
	TokenIndex   uint32 `json:"token_index"`
	CloseLedger  uint32 `json:"close_ledger"`
}

// AmountRequest is used by join and exit.
type AmountRequest struct {
	CommandID string `json:"command_id,omitempty"`
	From      string `json:"from"`
	ID        uint32 `json:"id"`
	Amount    int64  `json:"amount"`
}

type CloseRequest struct {
	CommandID string `json:"command_id,omitempty"`
	ID        uint32 `json:"id"`
}

// SettleRequest is used by claim and refund.
type SettleRequest struct {
	CommandID string `json:"command_id,omitempty"`
	From      string `json:"from"`
	ID        uint32 `json:"id"`
}

type GetBootstrapRequest struct {
	ID uint32 `json:"id"`
}

type GetDepositRequest struct {
	ID      uint32 `json:"id"`
	Address string `json:"address"`
}

type GetNextIDRequest struct{}

// BootstrapView is a live contract read.
type BootstrapView struct {
	Bootstrap *state.Bootstrap `json:"bootstrap"`
	Status    string           `json:"status"`
	Ledger    uint32           `json:"ledger"`
}

type DepositView struct {
	ID         uint32           `json:"id"`
	Address    string           `json:"address"`
	Deposit    int64            `json:"deposit"`
	Settlement state.Settlement `json:"settlement"`
}

type NextIDView struct {
	NextID uint32 `json:"next_id"`
}

// ============================================================================
// bootstrapper.v1.Bootstrapper
// ============================================================================

// BootstrapperServer is the contract call surface: the seven entry points
// and the live views.
type BootstrapperServer interface {
	Initialize(context.Context, *InitializeRequest) (*core.Outcome, error)
	Bootstrap(context.Context, *BootstrapRequest) (*core.Outcome, error)
	Join(context.Context, *AmountRequest) (*core.Outcome, error)
	Exit(context.Context, *AmountRequest) (*core.Outcome, error)
	Close(context.Context, *CloseRequest) (*core.Outcome, error)
	Claim(context.Context, *SettleRequest) (*core.Outcome, error)
	Refund(context.Context, *SettleRequest) (*core.Outcome, error)
	GetBootstrap(context.Context, *GetBootstrapRequest) (*BootstrapView, error)
	GetDeposit(context.Context, *GetDepositRequest) (*DepositView, error)
	GetNextID(context.Context, *GetNextIDRequest) (*NextIDView, error)
}

const BootstrapperServiceName = "bootstrapper.v1.Bootstrapper"

// unary builds a MethodDesc decoding Req and dispatching to call.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var bootstrapperServiceDesc = grpc.ServiceDesc{
	ServiceName: BootstrapperServiceName,
	HandlerType: (*BootstrapperServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(BootstrapperServiceName, "Initialize", BootstrapperServer.Initialize),
		unary(BootstrapperServiceName, "Bootstrap", BootstrapperServer.Bootstrap),
		unary(BootstrapperServiceName, "Join", BootstrapperServer.Join),
		unary(BootstrapperServiceName, "Exit", BootstrapperServer.Exit),
		unary(BootstrapperServiceName, "Close", BootstrapperServer.Close),
		unary(BootstrapperServiceName, "Claim", BootstrapperServer.Claim),
		unary(BootstrapperServiceName, "Refund", BootstrapperServer.Refund),
		unary(BootstrapperServiceName, "GetBootstrap", BootstrapperServer.GetBootstrap),
		unary(BootstrapperServiceName, "GetDeposit", BootstrapperServer.GetDeposit),
		unary(BootstrapperServiceName, "GetNextID", BootstrapperServer.GetNextID),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bootstrapper/v1/bootstrapper.proto",
}

// RegisterBootstrapperServer registers srv on s.
func RegisterBootstrapperServer(s grpc.ServiceRegistrar, srv BootstrapperServer) {
	s.RegisterService(&bootstrapperServiceDesc, srv)
}

// ContractReader is the read side of the contract.
type ContractReader interface {
	GetBootstrap(ctx context.Context, id uint32) (*state.Bootstrap, error)
	GetNextID(ctx context.Context) (uint32, error)
	GetDeposit(ctx context.Context, id uint32, user state.Address) (int64, error)
	GetSettlement(ctx context.Context, id uint32, user state.Address) (state.Settlement, error)
}

// bootstrapperService submits commands through the gateway and answers
// views from the contract.
type bootstrapperService struct {
	gateway *ingestion.CommandGateway
	reader  ContractReader
	ledger  core.LedgerClock
}

func meta(commandID string) (event.Meta, error) {
	if commandID == "" {
		return event.NewMeta(), nil
	}
	id, err := uuid.Parse(commandID)
	if err != nil {
		return event.Meta{}, status.Errorf(codes.InvalidArgument, "invalid command_id: %v", err)
	}
	return event.Meta{CommandID: id}, nil
}

func address(field, s string, kind ingestion.AddressKind) (state.Address, error) {
	addr, err := ingestion.ParseAddress(field, s, kind)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return addr, nil
}

func (s *bootstrapperService) submit(ctx context.Context, evt event.Event) (*core.Outcome, error) {
	outcome, err := s.gateway.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	return outcome, nil
}

func (s *bootstrapperService) Initialize(ctx context.Context, req *InitializeRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	backstop, err := address("backstop", req.Backstop, ingestion.ContractAddress)
	if err != nil {
		return nil, err
	}
	token, err := address("backstop_token", req.BackstopToken, ingestion.ContractAddress)
	if err != nil {
		return nil, err
	}
	factory, err := address("pool_factory", req.PoolFactory, ingestion.ContractAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.InitializeContract{Meta: m, Backstop: backstop, BackstopToken: token, PoolFactory: factory})
}

func (s *bootstrapperService) Bootstrap(ctx context.Context, req *BootstrapRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	bootstrapper, err := address("bootstrapper", req.Bootstrapper, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	pool, err := address("pool", req.Pool, ingestion.ContractAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.OpenBootstrap{Meta: m, Config: state.BootstrapConfig{
		Bootstrapper: bootstrapper,
		Pool:         pool,
		Amount:       req.Amount,
		PairMin:      req.PairMin,
		TokenIndex:   req.TokenIndex,
		CloseLedger:  req.CloseLedger,
	}})
}

func (s *bootstrapperService) Join(ctx context.Context, req *AmountRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	from, err := address("from", req.From, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.JoinBootstrap{Meta: m, From: from, ID: req.ID, Amount: req.Amount})
}

func (s *bootstrapperService) Exit(ctx context.Context, req *AmountRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	from, err := address("from", req.From, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.ExitBootstrap{Meta: m, From: from, ID: req.ID, Amount: req.Amount})
}

func (s *bootstrapperService) Close(ctx context.Context, req *CloseRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.CloseBootstrap{Meta: m, ID: req.ID})
}

func (s *bootstrapperService) Claim(ctx context.Context, req *SettleRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	from, err := address("from", req.From, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.ClaimBootstrap{Meta: m, From: from, ID: req.ID})
}

func (s *bootstrapperService) Refund(ctx context.Context, req *SettleRequest) (*core.Outcome, error) {
	m, err := meta(req.CommandID)
	if err != nil {
		return nil, err
	}
	from, err := address("from", req.From, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.RefundBootstrap{Meta: m, From: from, ID: req.ID})
}

func (s *bootstrapperService) GetBootstrap(ctx context.Context, req *GetBootstrapRequest) (*BootstrapView, error) {
	bs, err := s.reader.GetBootstrap(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	view := &BootstrapView{Bootstrap: bs, Status: bs.Status.String()}
	if s.ledger != nil {
		view.Ledger = s.ledger.Sequence()
	}
	return view, nil
}

func (s *bootstrapperService) GetDeposit(ctx context.Context, req *GetDepositRequest) (*DepositView, error) {
	addr, err := address("address", req.Address, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	deposit, err := s.reader.GetDeposit(ctx, req.ID, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	settlement, err := s.reader.GetSettlement(ctx, req.ID, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DepositView{ID: req.ID, Address: req.Address, Deposit: deposit, Settlement: settlement}, nil
}

func (s *bootstrapperService) GetNextID(ctx context.Context, _ *GetNextIDRequest) (*NextIDView, error) {
	next, err := s.reader.GetNextID(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &NextIDView{NextID: next}, nil
}

// describe is used in log lines.
func describe(o *core.Outcome) string {
	if o == nil {
		return "<nil>"
	}
	if !o.Applied {
		return fmt.Sprintf("%s rejected code=%d", o.EventType, o.Code)
	}
	return fmt.Sprintf("%s seq=%d result=%d", o.EventType, o.Sequence, o.Result)
}
