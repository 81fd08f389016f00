//go:build integration

package mongo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/store/mongo"
)

func setupTestStore(t *testing.T) *mongo.Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "27017/tcp", "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	client, err := mongod.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s", endpoint)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	s := mongo.New(client.Database("haul_test"))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestArchive_PingAndMigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestArchive_SaveGetList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, reqID := range []string{"req_1", "req_2"} {
		err := s.SaveSummary(ctx, &archive.Summary{
			RequestID:    reqID,
			CustomerID:   "cust_1",
			Outcome:      broadcast.StateExpired,
			VehicleType:  "open",
			TrucksNeeded: 1,
			NotifiedIDs:  []string{"tr_a"},
			CreatedAt:    now,
			FinalizedAt:  now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveSummary: %v", err)
		}
	}

	// Re-saving replaces the document.
	err := s.SaveSummary(ctx, &archive.Summary{
		RequestID:   "req_1",
		CustomerID:  "cust_1",
		Outcome:     broadcast.StateExpired,
		NotifiedIDs: []string{"tr_a", "tr_b"},
		FinalizedAt: now,
	})
	if err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := s.GetSummary(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.NotifiedCount() != 2 {
		t.Errorf("NotifiedCount = %d, want 2", got.NotifiedCount())
	}

	list, err := s.ListSummariesByCustomer(ctx, "cust_1", 10)
	if err != nil {
		t.Fatalf("ListSummariesByCustomer: %v", err)
	}
	if len(list) != 2 || list[0].RequestID != "req_2" {
		t.Errorf("unexpected list order")
	}

	if _, err := s.GetSummary(ctx, "req_missing"); !errors.Is(err, haul.ErrSummaryNotFound) {
		t.Errorf("missing err = %v", err)
	}
}
