package grpcserver

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/engine"
	"salharness/internal/params"
	"salharness/internal/raster"
)

func startServer(t *testing.T) (*Client, *SaliencyServer) {
	t.Helper()
	e := engine.New(engine.Options{})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })

	srv := NewSaliencyServer(e, nil)
	lis := bufconn.Listen(1 << 20)
	g := srv.NewGRPCServer()
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client, srv
}

func TestComputeRoundTrip(t *testing.T) {
	client, srv := startServer(t)
	img := raster.NewImage(8, 6, 3)
	p := params.FromPlain(map[string]any{"center_std": 0.3})

	got, err := client.Compute(context.Background(), engine.CenterName, img, p)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want, _ := engine.Center(context.Background(), img, p)
	if !mat.EqualApprox(got, want, 1e-6) {
		t.Fatalf("remote result differs from local")
	}
	if s := srv.Stats(); s.Requests != 1 || s.Failures != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestComputeUnknownModel(t *testing.T) {
	client, srv := startServer(t)
	_, err := client.Compute(context.Background(), "missing", raster.NewImage(2, 2, 1), nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if srv.Stats().Failures != 1 {
		t.Fatalf("failure not counted")
	}
}

func TestDecodeRequestRejectsBadImage(t *testing.T) {
	req, err := EncodeRequest("center", raster.NewImage(2, 2, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Fields[fieldWidth].Kind = nil
	if _, _, _, err := DecodeRequest(req); err == nil {
		t.Fatalf("expected malformed image to be rejected")
	}
}
