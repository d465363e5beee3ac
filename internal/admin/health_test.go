package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServerReportsOverallServingAndComponentsNotServingInitially(t *testing.T) {
	addr := freeAddr(t)
	s := New(addr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	overall := checkWithRetry(t, client, ServiceOverall)
	if overall.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %v, want SERVING", overall.Status)
	}

	scaling := checkWithRetry(t, client, ServiceScaling)
	if scaling.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("scaling status = %v, want NOT_SERVING before SetServing", scaling.Status)
	}
}

func TestSetServingAndSetNotServingUpdateComponentStatus(t *testing.T) {
	addr := freeAddr(t)
	s := New(addr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	s.SetServing(ServiceProfiling)
	resp := checkWithRetry(t, client, ServiceProfiling)
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("profiling status = %v after SetServing, want SERVING", resp.Status)
	}

	s.SetNotServing(ServiceProfiling)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceProfiling})
	if err != nil {
		t.Fatalf("Check(profiling) error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("profiling status = %v after SetNotServing, want NOT_SERVING", resp.Status)
	}
}

func checkWithRetry(t *testing.T, client healthpb.HealthClient, service string) *healthpb.HealthCheckResponse {
	t.Helper()
	var resp *healthpb.HealthCheckResponse
	var err error
	for i := 0; i < 50; i++ {
		resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err == nil {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Check(%q) error = %v", service, err)
	return nil
}

func dialWithRetry(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	var conn *grpc.ClientConn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("grpc.Dial() error = %v", err)
	return nil
}
