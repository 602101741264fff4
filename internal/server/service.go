package server

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ingestion"
	"RebaseLedger/internal/query"
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rebaseledger.v1.LedgerService"

// --- Messages ---

// CommandRequest is the body of every command method.
type CommandRequest = ingestion.CommandRequest

type CommandResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type Empty struct{}

type HolderRequest struct {
	Holder string `json:"holder"`
	At     int64  `json:"at,omitempty"` // unix seconds, 0 = now
}

type PrincipalResponse struct {
	Holder    string `json:"holder"`
	Principal string `json:"principal"`
}

type AllowanceRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type HistoryRequest struct {
	Holder string `json:"holder,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"` // page backwards from this sequence
}

type RateHistoryResponse struct {
	Changes []query.RateChangeResponse `json:"changes"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type InterestResponse struct {
	Entries []query.InterestEntry `json:"entries"`
}

type EventsRequest struct {
	From  int64 `json:"from"`
	Limit int   `json:"limit,omitempty"`
}

type EventsResponse struct {
	Events []query.EventEntry `json:"events"`
}

type SequenceResponse struct {
	Sequence int64 `json:"sequence"`
}

// --- Service ---

// LedgerServiceServer is the server API for rebaseledger.v1.LedgerService.
type LedgerServiceServer interface {
	Mint(context.Context, *CommandRequest) (*CommandResponse, error)
	Burn(context.Context, *CommandRequest) (*CommandResponse, error)
	Transfer(context.Context, *CommandRequest) (*CommandResponse, error)
	TransferFrom(context.Context, *CommandRequest) (*CommandResponse, error)
	Approve(context.Context, *CommandRequest) (*CommandResponse, error)
	SetRate(context.Context, *CommandRequest) (*CommandResponse, error)

	GetRate(context.Context, *Empty) (*query.RateResponse, error)
	GetUserRate(context.Context, *HolderRequest) (*query.RateResponse, error)
	PrincipalBalanceOf(context.Context, *HolderRequest) (*PrincipalResponse, error)
	BalanceOf(context.Context, *HolderRequest) (*query.BalanceResponse, error)
	GetHolder(context.Context, *HolderRequest) (*query.BalanceResponse, error)
	GetAllowance(context.Context, *AllowanceRequest) (*query.AllowanceResponse, error)
	GetRateHistory(context.Context, *HistoryRequest) (*RateHistoryResponse, error)
	GetSupply(context.Context, *Empty) (*query.SupplyResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalsResponse, error)
	ListInterest(context.Context, *HistoryRequest) (*InterestResponse, error)
	ListEvents(context.Context, *EventsRequest) (*EventsResponse, error)

	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SequenceResponse, error)
	RebuildProjections(context.Context, *Empty) (*SequenceResponse, error)
}

// ServiceDesc describes LedgerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Mint", LedgerServiceServer.Mint),
		unary("Burn", LedgerServiceServer.Burn),
		unary("Transfer", LedgerServiceServer.Transfer),
		unary("TransferFrom", LedgerServiceServer.TransferFrom),
		unary("Approve", LedgerServiceServer.Approve),
		unary("SetRate", LedgerServiceServer.SetRate),
		unary("GetRate", LedgerServiceServer.GetRate),
		unary("GetUserRate", LedgerServiceServer.GetUserRate),
		unary("PrincipalBalanceOf", LedgerServiceServer.PrincipalBalanceOf),
		unary("BalanceOf", LedgerServiceServer.BalanceOf),
		unary("GetHolder", LedgerServiceServer.GetHolder),
		unary("GetAllowance", LedgerServiceServer.GetAllowance),
		unary("GetRateHistory", LedgerServiceServer.GetRateHistory),
		unary("GetSupply", LedgerServiceServer.GetSupply),
		unary("ListJournals", LedgerServiceServer.ListJournals),
		unary("ListInterest", LedgerServiceServer.ListInterest),
		unary("ListEvents", LedgerServiceServer.ListEvents),
		unary("VerifyIntegrity", LedgerServiceServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServiceServer.TakeSnapshot),
		unary("RebuildProjections", LedgerServiceServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rebaseledger/v1/ledger.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor protoc-gen-go-grpc would generate.
func unary[Req, Resp any](
	name string,
	call func(LedgerServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Submitter queues a command for the core and waits for its verdict.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Receipt, error)
}

// Admin runs operator actions that live outside the command path.
type Admin interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) (int64, error)
}

// LedgerService implements LedgerServiceServer on top of the ingest queue
// and the query service.
type LedgerService struct {
	ingest Submitter
	qs     *query.QueryService
	admin  Admin
	now    func() time.Time
}

// NewLedgerService wires the RPC surface. admin may be nil.
func NewLedgerService(ingest Submitter, qs *query.QueryService, admin Admin) *LedgerService {
	return &LedgerService{ingest: ingest, qs: qs, admin: admin, now: time.Now}
}

// --- Commands ---

func (s *LedgerService) Mint(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeMint, req)
}

func (s *LedgerService) Burn(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeBurn, req)
}

func (s *LedgerService) Transfer(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeTransfer, req)
}

func (s *LedgerService) TransferFrom(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeTransferFrom, req)
}

func (s *LedgerService) Approve(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeApprove, req)
}

func (s *LedgerService) SetRate(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return s.command(ctx, event.EventTypeSetRate, req)
}

func (s *LedgerService) command(ctx context.Context, et event.EventType, req *CommandRequest) (*CommandResponse, error) {
	evt, err := ingestion.ParseCommand(et, *req, s.now())
	if err != nil {
		return nil, toStatus(err)
	}

	receipt, err := s.ingest.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}

	return &CommandResponse{
		Accepted:  true,
		Duplicate: receipt.Duplicate,
		Sequence:  receipt.Sequence,
		StateHash: hex.EncodeToString(receipt.StateHash[:]),
	}, nil
}

// --- Queries ---

func (s *LedgerService) GetRate(ctx context.Context, _ *Empty) (*query.RateResponse, error) {
	resp, err := s.qs.GetRate(ctx)
	return resp, toStatus(err)
}

func (s *LedgerService) GetUserRate(ctx context.Context, req *HolderRequest) (*query.RateResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetUserRate(ctx, holder)
	return resp, toStatus(err)
}

func (s *LedgerService) PrincipalBalanceOf(ctx context.Context, req *HolderRequest) (*PrincipalResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	principal, err := s.qs.PrincipalBalanceOf(ctx, holder)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PrincipalResponse{Holder: holder.String(), Principal: principal}, nil
}

func (s *LedgerService) BalanceOf(ctx context.Context, req *HolderRequest) (*query.BalanceResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.BalanceOf(ctx, holder, req.At)
	return resp, toStatus(err)
}

func (s *LedgerService) GetHolder(ctx context.Context, req *HolderRequest) (*query.BalanceResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetHolder(ctx, holder, req.At)
	return resp, toStatus(err)
}

func (s *LedgerService) GetAllowance(ctx context.Context, req *AllowanceRequest) (*query.AllowanceResponse, error) {
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	spender, err := parseID("spender", req.Spender)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.Allowance(ctx, owner, spender)
	return resp, toStatus(err)
}

func (s *LedgerService) GetRateHistory(ctx context.Context, req *HistoryRequest) (*RateHistoryResponse, error) {
	changes, err := s.qs.RateHistory(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RateHistoryResponse{Changes: changes}, nil
}

func (s *LedgerService) GetSupply(ctx context.Context, _ *Empty) (*query.SupplyResponse, error) {
	resp, err := s.qs.GetSupply(ctx)
	return resp, toStatus(err)
}

func (s *LedgerService) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	journals, err := s.qs.GetJournalHistory(ctx, holder, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: journals}, nil
}

func (s *LedgerService) ListInterest(ctx context.Context, req *HistoryRequest) (*InterestResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	entries, err := s.qs.GetInterestHistory(ctx, holder, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InterestResponse{Entries: entries}, nil
}

func (s *LedgerService) ListEvents(ctx context.Context, req *EventsRequest) (*EventsResponse, error) {
	events, err := s.qs.GetEvents(ctx, req.From, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EventsResponse{Events: events}, nil
}

// --- Admin ---

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SequenceResponse, error) {
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SequenceResponse{Sequence: seq}, nil
}

func (s *LedgerService) RebuildProjections(ctx context.Context, _ *Empty) (*SequenceResponse, error) {
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	seq, err := s.admin.RebuildProjections(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SequenceResponse{Sequence: seq}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}
