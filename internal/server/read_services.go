package server

import (
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/query"
	"BackstopBootstrapper/internal/state"
	"context"
	"encoding/hex"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// bootstrapper.v1.Query
// ============================================================================

type QueryBootstrapRequest struct {
	ID uint32 `json:"id"`
}

type ListBootstrapsRequest struct {
	// Status filters by current status name; empty lists everything.
	Status  string  `json:"status,omitempty"`
	AfterID *uint32 `json:"after_id,omitempty"`
	Limit   int     `json:"limit,omitempty"`
}

type QueryDepositRequest struct {
	ID      uint32 `json:"id"`
	Address string `json:"address"`
}

type QueryNextIDRequest struct{}

type HistoryRequest struct {
	ID             uint32 `json:"id"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalRequest struct {
	Sequence int64 `json:"sequence"`
}

type JournalResponse struct {
	Sequence int64                `json:"sequence"`
	Entries  []query.JournalEntry `json:"entries"`
}

// QueryServer answers from the Postgres projections.
type QueryServer interface {
	GetBootstrap(context.Context, *QueryBootstrapRequest) (*query.BootstrapResponse, error)
	ListBootstraps(context.Context, *ListBootstrapsRequest) (*query.BootstrapList, error)
	GetDeposit(context.Context, *QueryDepositRequest) (*query.DepositResponse, error)
	GetNextID(context.Context, *QueryNextIDRequest) (*query.NextIDResponse, error)
	GetHistory(context.Context, *HistoryRequest) (*query.HistoryResponse, error)
	GetJournal(context.Context, *JournalRequest) (*JournalResponse, error)
}

const QueryServiceName = "bootstrapper.v1.Query"

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(QueryServiceName, "GetBootstrap", QueryServer.GetBootstrap),
		unary(QueryServiceName, "ListBootstraps", QueryServer.ListBootstraps),
		unary(QueryServiceName, "GetDeposit", QueryServer.GetDeposit),
		unary(QueryServiceName, "GetNextID", QueryServer.GetNextID),
		unary(QueryServiceName, "GetHistory", QueryServer.GetHistory),
		unary(QueryServiceName, "GetJournal", QueryServer.GetJournal),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bootstrapper/v1/query.proto",
}

func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&queryServiceDesc, srv)
}

type queryServiceImpl struct {
	qs *query.QueryService
}

func (s *queryServiceImpl) GetBootstrap(ctx context.Context, req *QueryBootstrapRequest) (*query.BootstrapResponse, error) {
	resp, err := s.qs.GetBootstrap(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListBootstraps(ctx context.Context, req *ListBootstrapsRequest) (*query.BootstrapList, error) {
	var filter *state.Status
	if req.Status != "" {
		st, err := state.ParseStatus(req.Status)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "status: %v", err)
		}
		filter = &st
	}
	list, err := s.qs.ListBootstraps(ctx, filter, req.AfterID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return list, nil
}

func (s *queryServiceImpl) GetDeposit(ctx context.Context, req *QueryDepositRequest) (*query.DepositResponse, error) {
	addr, err := address("address", req.Address, ingestion.AnyAddress)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetDeposit(ctx, req.ID, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetNextID(ctx context.Context, _ *QueryNextIDRequest) (*query.NextIDResponse, error) {
	resp, err := s.qs.GetNextID(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetHistory(ctx context.Context, req *HistoryRequest) (*query.HistoryResponse, error) {
	resp, err := s.qs.GetHistory(ctx, req.ID, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetJournal(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	entries, err := s.qs.GetJournal(ctx, req.Sequence)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalEntry{}
	}
	return &JournalResponse{Sequence: req.Sequence, Entries: entries}, nil
}

// ============================================================================
// bootstrapper.v1.Admin
// ============================================================================

type TakeSnapshotRequest struct{}

type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Sequence int64 `json:"sequence"`
}

type EventLogInfoRequest struct{}

type EventLogInfo struct {
	// LastSequence is the highest sequence durable in the event log.
	LastSequence int64 `json:"last_sequence"`
	// CoreSequence is the next sequence the core will assign.
	CoreSequence int64  `json:"core_sequence"`
	StateHash    string `json:"state_hash"`
	Ledger       uint32 `json:"ledger"`
	Uptime       string `json:"uptime"`
}

type VerifyIntegrityRequest struct{}

type AdminServer interface {
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *EventLogInfoRequest) (*EventLogInfo, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

const AdminServiceName = "bootstrapper.v1.Admin"

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
		unary(AdminServiceName, "RebuildProjections", AdminServer.RebuildProjections),
		unary(AdminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
		unary(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bootstrapper/v1/admin.proto",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

// CoreState reports the core's position in the hash chain.
type CoreState interface {
	GetSequence() int64
	GetStateHash() [32]byte
	LastLedger() uint32
}

type adminServiceImpl struct {
	snapMgr      *persistence.SnapshotManager
	queryService *query.QueryService
	core         CoreState
	snapshot     func(ctx context.Context) (*persistence.SnapshotData, error)
	rebuild      func(ctx context.Context) (int64, error)
	startTime    time.Time
}

func (s *adminServiceImpl) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: snap.Sequence, StateHash: hex.EncodeToString(snap.StateHash)}, nil
}

func (s *adminServiceImpl) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild is not configured")
	}
	seq, err := s.rebuild(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Sequence: seq}, nil
}

func (s *adminServiceImpl) GetEventLogInfo(ctx context.Context, _ *EventLogInfoRequest) (*EventLogInfo, error) {
	info := &EventLogInfo{LastSequence: -1, Uptime: time.Since(s.startTime).Round(time.Second).String()}
	if s.snapMgr != nil {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		info.LastSequence = latest
	}
	if s.core != nil {
		hash := s.core.GetStateHash()
		info.CoreSequence = s.core.GetSequence()
		info.StateHash = hex.EncodeToString(hash[:])
		info.Ledger = s.core.LastLedger()
	}
	return info, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.queryService == nil {
		return nil, status.Error(codes.Unimplemented, "query service is not configured")
	}
	report, err := s.queryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}
