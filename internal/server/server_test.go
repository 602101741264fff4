package server_test

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ingestion"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/query"
	"RebaseLedger/internal/server"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const t0 = int64(1_700_000_000)

type harness struct {
	conn   *grpc.ClientConn
	client *server.Client
	owner  uuid.UUID
	alice  uuid.UUID
	bob    uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{owner: uuid.New(), alice: uuid.New(), bob: uuid.New()}
	ctx, cancel := context.WithCancel(context.Background())

	outputs := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.CoreConfig{
		StartSequence: 1,
		InitialRate:   uint256.NewInt(1_000_000_000_000),
		Policy:        auth.NewPolicy(h.owner),
	}, outputs, nil, nil, nil, zerolog.Nop())
	go func() {
		for {
			select {
			case <-outputs:
			case <-ctx.Done():
				return
			}
		}
	}()

	submitCh := make(chan ingestion.Submission)
	loopDone := make(chan struct{})
	go func() {
		ingestion.RunCoreLoop(ctx, submitCh, c, zerolog.Nop())
		close(loopDone)
	}()

	svc := server.NewLedgerService(
		ingestion.NewGRPCIngestService(submitCh, nil),
		query.NewQueryService(c, nil, nil, nil),
		nil,
	)
	srv := server.NewGRPCServer("", "", svc, observability.NewHealthChecker(), zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	serveDone := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, lis)
		close(serveDone)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-serveDone
		<-loopDone
	})

	h.conn = conn
	h.client = server.NewClient(conn)
	return h
}

func (h *harness) mint(t *testing.T, to uuid.UUID, amount string) *server.CommandResponse {
	t.Helper()
	resp, err := h.client.Submit(context.Background(), event.EventTypeMint, &server.CommandRequest{
		CommandID: uuid.NewString(),
		Caller:    h.owner.String(),
		To:        to.String(),
		Amount:    amount,
		Timestamp: ingestion.WireTimestamp(time.Unix(t0, 0)),
	})
	require.NoError(t, err)
	return resp
}

func TestServer_CommandsAndReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.mint(t, h.alice, "1000")
	assert.True(t, resp.Accepted)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, int64(1), resp.Sequence)
	assert.Len(t, resp.StateHash, 64)

	principal, err := h.client.PrincipalBalanceOf(ctx, h.alice.String())
	require.NoError(t, err)
	assert.Equal(t, "1000", principal.Principal)

	balance, err := h.client.BalanceOf(ctx, h.alice.String(), t0)
	require.NoError(t, err)
	assert.True(t, balance.Known)
	assert.Equal(t, "1000", balance.Balance)

	rate, err := h.client.GetRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000", rate.Rate)

	// Approve and check the allowance round-trips as "max"
	_, err = h.client.Submit(ctx, event.EventTypeApprove, &server.CommandRequest{
		CommandID: uuid.NewString(),
		Caller:    h.alice.String(),
		Spender:   h.bob.String(),
		Amount:    "max",
		Timestamp: ingestion.WireTimestamp(time.Unix(t0+1, 0)),
	})
	require.NoError(t, err)

	allowance, err := h.client.GetAllowance(ctx, h.alice.String(), h.bob.String())
	require.NoError(t, err)
	assert.Equal(t, "max", allowance.Amount)

	supply, err := h.client.GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", supply.Minted)
}

func TestServer_DuplicateCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := &server.CommandRequest{
		CommandID: uuid.NewString(),
		Caller:    h.owner.String(),
		To:        h.alice.String(),
		Amount:    "5",
		Timestamp: ingestion.WireTimestamp(time.Unix(t0, 0)),
	}
	first, err := h.client.Submit(ctx, event.EventTypeMint, req)
	require.NoError(t, err)
	h.mint(t, h.bob, "7")

	again, err := h.client.Submit(ctx, event.EventTypeMint, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sequence, again.Sequence)
	assert.Equal(t, first.StateHash, again.StateHash)
	assert.False(t, first.Duplicate)
}

func TestServer_ErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, h.alice, "10")

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"mint by non-owner", func() error {
			_, err := h.client.Submit(ctx, event.EventTypeMint, &server.CommandRequest{
				CommandID: uuid.NewString(), Caller: h.bob.String(), To: h.bob.String(), Amount: "1",
			})
			return err
		}, codes.PermissionDenied},
		{"transfer beyond principal", func() error {
			_, err := h.client.Submit(ctx, event.EventTypeTransfer, &server.CommandRequest{
				CommandID: uuid.NewString(), Caller: h.alice.String(), To: h.bob.String(), Amount: "11",
				Timestamp: ingestion.WireTimestamp(time.Unix(t0+5, 0)),
			})
			return err
		}, codes.FailedPrecondition},
		{"malformed command", func() error {
			_, err := h.client.Submit(ctx, event.EventTypeBurn, &server.CommandRequest{
				CommandID: "not-a-uuid", Caller: h.alice.String(), Amount: "1",
			})
			return err
		}, codes.InvalidArgument},
		{"bad holder id", func() error {
			_, err := h.client.BalanceOf(ctx, "nope", 0)
			return err
		}, codes.InvalidArgument},
		{"journals without database", func() error {
			_, err := h.client.ListJournals(ctx, &server.HistoryRequest{Holder: h.alice.String()})
			return err
		}, codes.Unavailable},
		{"snapshot without admin", func() error {
			_, err := h.client.TakeSnapshot(ctx)
			return err
		}, codes.Unimplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), "error: %v", err)
		})
	}
}

func TestServer_HealthService(t *testing.T) {
	h := newHarness(t)

	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGateway_Routes(t *testing.T) {
	h := newHarness(t)

	mux, err := server.NewGatewayMux(h.conn)
	require.NoError(t, err)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body := `{"command_id":"` + uuid.NewString() + `","caller":"` + h.owner.String() +
		`","to":"` + h.alice.String() + `","amount":"250","timestamp":1700000000}`
	res, err := http.Post(ts.URL+"/v1/commands/mint", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var cmd server.CommandResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&cmd))
	assert.True(t, cmd.Accepted)
	assert.Equal(t, int64(1), cmd.Sequence)

	res, err = http.Get(ts.URL + "/v1/holders/" + h.alice.String() + "/principal")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var principal server.PrincipalResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&principal))
	assert.Equal(t, "250", principal.Principal)

	statusTests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/v1/commands/rebalance", http.StatusNotFound},
		{http.MethodGet, "/v1/rate/history?limit=ten", http.StatusBadRequest},
		{http.MethodGet, "/v1/holders/nope/balance", http.StatusBadRequest},
		{http.MethodGet, "/v1/events", http.StatusServiceUnavailable},
		{http.MethodGet, "/v1/rate", http.StatusOK},
	}
	for _, tt := range statusTests {
		req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader("{}"))
		require.NoError(t, err)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, tt.want, res.StatusCode, "%s %s", tt.method, tt.path)
	}
}
