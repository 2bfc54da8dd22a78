package api

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/populator/internal/core/auth"
)

func startGRPC(t *testing.T, f *fixture, a *auth.Authenticator) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(a.UnaryInterceptor()))
	gs, err := NewGRPCService(f.svc)
	require.NoError(t, err)
	srv.RegisterService(&ServiceDesc, gs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC(t *testing.T) {
	f := newFixture(t)
	a, key := newAuthenticator(t, f)
	conn := startGRPC(t, f, a)
	ctx := metadata.AppendToOutgoingContext(context.Background(), auth.APIKeyHeader, key)

	t.Run("populate", func(t *testing.T) {
		in, err := structpb.NewStruct(map[string]any{
			"recordType": "order",
			"phase":      "update",
			"records": []any{
				map[string]any{"id": "o1", "fields": map[string]any{"customer_id": "c1", "qty": 2, "price": 5}},
			},
		})
		require.NoError(t, err)

		out := new(structpb.Struct)
		require.NoError(t, conn.Invoke(ctx, PopulateMethod, in, out))

		resp := out.AsMap()
		assert.Equal(t, "update", resp["phase"])
		fields := resp["records"].([]any)[0].(map[string]any)["fields"].(map[string]any)
		assert.Equal(t, 10.0, fields["total"])
		assert.Equal(t, true, fields["repriced"])
		assert.Equal(t, "Acme", fields["customer_name"])
	})

	t.Run("list rule sets", func(t *testing.T) {
		out := new(structpb.Struct)
		require.NoError(t, conn.Invoke(ctx, ListRuleSetsMethod, &structpb.Struct{}, out))
		assert.Len(t, out.AsMap()["ruleSets"], 3)
		assert.NotEmpty(t, out.AsMap()["etag"])
	})

	t.Run("reload", func(t *testing.T) {
		out := new(structpb.Struct)
		require.NoError(t, conn.Invoke(ctx, ReloadRuleSetsMethod, &structpb.Struct{}, out))
		assert.Equal(t, true, out.AsMap()["reloaded"])
	})

	t.Run("status codes", func(t *testing.T) {
		in, err := structpb.NewStruct(map[string]any{"recordType": "invoice", "phase": "create"})
		require.NoError(t, err)
		err = conn.Invoke(ctx, PopulateMethod, in, new(structpb.Struct))
		assert.Equal(t, codes.NotFound, status.Code(err))

		in, err = structpb.NewStruct(map[string]any{"recordType": "order", "phase": "sometime"})
		require.NoError(t, err)
		err = conn.Invoke(ctx, PopulateMethod, in, new(structpb.Struct))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		in, err = structpb.NewStruct(map[string]any{"recordType": 7})
		require.NoError(t, err)
		err = conn.Invoke(ctx, PopulateMethod, in, new(structpb.Struct))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("unauthenticated", func(t *testing.T) {
		err := conn.Invoke(context.Background(), ListRuleSetsMethod, &structpb.Struct{}, new(structpb.Struct))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})
}

func TestGRPCService_MissingTenant(t *testing.T) {
	f := newFixture(t)
	gs, err := NewGRPCService(f.svc)
	require.NoError(t, err)

	_, err = gs.Populate(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = NewGRPCService(nil)
	assert.Error(t, err)
}
