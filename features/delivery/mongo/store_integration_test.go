package mongo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	clientsmongo "goa.design/a2a-ledger/features/delivery/mongo/clients/mongo"
	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/storetest"
)

var (
	setupOnce       sync.Once
	testMongoClient *mongodriver.Client
	skipReason      string
)

func setupMongoDB() {
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		skipReason = fmt.Sprintf("Docker not available, MongoDB tests will be skipped: %v", err)
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		skipReason = fmt.Sprintf("failed to get container host: %v", err)
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipReason = fmt.Sprintf("failed to get container port: %v", err)
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipReason = fmt.Sprintf("failed to connect to MongoDB: %v", err)
		return
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		skipReason = fmt.Sprintf("failed to ping MongoDB: %v", err)
		return
	}
	testMongoClient = client
}

func newIntegrationStore(t *testing.T) delivery.Store {
	t.Helper()
	setupOnce.Do(setupMongoDB)
	if testMongoClient == nil {
		t.Skip(skipReason)
	}
	db := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	if len(db) > 60 {
		db = db[len(db)-60:]
	}
	ctx := context.Background()
	if err := testMongoClient.Database(db).Drop(ctx); err != nil {
		t.Fatalf("drop database: %v", err)
	}
	t.Cleanup(func() { _ = testMongoClient.Database(db).Drop(context.Background()) })
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:   testMongoClient,
		Database: db,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	store, err := NewStore(client)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestMongoStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	storetest.Run(t, newIntegrationStore)
}
