package server

import (
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/query"
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Client calls LedgerService over any gRPC connection using the JSON codec.
// The HTTP gateway and ledgerctl both go through it.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
}

func call[T any](ctx context.Context, c *Client, method string, in any) (*T, error) {
	out := new(T)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit sends a command; the method is named after the command type.
func (c *Client) Submit(ctx context.Context, et event.EventType, req *CommandRequest) (*CommandResponse, error) {
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown command type")
	}
	return call[CommandResponse](ctx, c, et.String(), req)
}

func (c *Client) GetRate(ctx context.Context) (*query.RateResponse, error) {
	return call[query.RateResponse](ctx, c, "GetRate", &Empty{})
}

func (c *Client) GetUserRate(ctx context.Context, holder string) (*query.RateResponse, error) {
	return call[query.RateResponse](ctx, c, "GetUserRate", &HolderRequest{Holder: holder})
}

func (c *Client) PrincipalBalanceOf(ctx context.Context, holder string) (*PrincipalResponse, error) {
	return call[PrincipalResponse](ctx, c, "PrincipalBalanceOf", &HolderRequest{Holder: holder})
}

func (c *Client) BalanceOf(ctx context.Context, holder string, at int64) (*query.BalanceResponse, error) {
	return call[query.BalanceResponse](ctx, c, "BalanceOf", &HolderRequest{Holder: holder, At: at})
}

func (c *Client) GetHolder(ctx context.Context, holder string, at int64) (*query.BalanceResponse, error) {
	return call[query.BalanceResponse](ctx, c, "GetHolder", &HolderRequest{Holder: holder, At: at})
}

func (c *Client) GetAllowance(ctx context.Context, owner, spender string) (*query.AllowanceResponse, error) {
	return call[query.AllowanceResponse](ctx, c, "GetAllowance", &AllowanceRequest{Owner: owner, Spender: spender})
}

func (c *Client) GetRateHistory(ctx context.Context, limit int) (*RateHistoryResponse, error) {
	return call[RateHistoryResponse](ctx, c, "GetRateHistory", &HistoryRequest{Limit: limit})
}

func (c *Client) GetSupply(ctx context.Context) (*query.SupplyResponse, error) {
	return call[query.SupplyResponse](ctx, c, "GetSupply", &Empty{})
}

func (c *Client) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	return call[JournalsResponse](ctx, c, "ListJournals", req)
}

func (c *Client) ListInterest(ctx context.Context, req *HistoryRequest) (*InterestResponse, error) {
	return call[InterestResponse](ctx, c, "ListInterest", req)
}

func (c *Client) ListEvents(ctx context.Context, req *EventsRequest) (*EventsResponse, error) {
	return call[EventsResponse](ctx, c, "ListEvents", req)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return call[query.IntegrityReport](ctx, c, "VerifyIntegrity", &Empty{})
}

func (c *Client) TakeSnapshot(ctx context.Context) (*SequenceResponse, error) {
	return call[SequenceResponse](ctx, c, "TakeSnapshot", &Empty{})
}

func (c *Client) RebuildProjections(ctx context.Context) (*SequenceResponse, error) {
	return call[SequenceResponse](ctx, c, "RebuildProjections", &Empty{})
}
