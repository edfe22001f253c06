package mongorepo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentcore/runtime/agent/domain"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
		return
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("agentcore_test_" + t.Name())
	if err := db.Drop(context.Background()); err != nil {
		t.Fatalf("drop database: %v", err)
	}
	return New(db)
}

// TestCreateTaskIdempotent verifies CreateTask is a no-op on a duplicate id,
// matching inmem's idempotent-by-primary-key contract.
func TestCreateTaskIdempotent(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	task := &domain.Task{ID: "task-1", ConversationID: "conv-1", SubAgentID: "sub-1", Status: "working"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("duplicate create task should be idempotent, got: %v", err)
	}

	got, err := st.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.ConversationID != "conv-1" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

// TestUpdateTaskMissingReturnsNotFound verifies UpdateTask on a non-existent
// task returns errs.NotFound rather than silently succeeding.
func TestUpdateTaskMissingReturnsNotFound(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	err := st.UpdateTask(ctx, &domain.Task{ID: "missing", Status: "completed"})
	if err == nil {
		t.Fatal("expected error for missing task")
	}
}

// TestGetTaskMissReturnsNil verifies the read-miss contract: no matching
// document yields (nil, nil), never an error.
func TestGetTaskMissReturnsNil(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	got, err := st.GetTask(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

// TestPutArtifactIdempotent verifies duplicate (artifactId, toolCallId)
// inserts are absorbed rather than erroring.
func TestPutArtifactIdempotent(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	art := &domain.Artifact{
		ArtifactID: "art-1",
		TaskID:     "task-1",
		Type:       "summary",
		Metadata:   domain.ArtifactMetadata{ToolCallID: "call-1", ArtifactType: "report"},
	}
	if err := st.PutArtifact(ctx, art); err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	if err := st.PutArtifact(ctx, art); err != nil {
		t.Fatalf("duplicate put artifact should be idempotent, got: %v", err)
	}

	got, err := st.GetLedgerArtifacts(ctx, "task-1")
	if err != nil {
		t.Fatalf("get ledger artifacts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one artifact, got %d", len(got))
	}
}

// TestSubAgentLookupScopedByTenantAndProject verifies the composite scope
// key isolates sub-agent configuration across tenants/projects.
func TestSubAgentLookupScopedByTenantAndProject(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	type seedDoc struct {
		ID string `bson:"_id"`
		domain.SubAgent `bson:",inline"`
	}
	sa := domain.SubAgent{ID: "router", Name: "Router", Prompt: "route requests"}
	_, err := st.db.Collection(collSubAgents).InsertOne(ctx, seedDoc{ID: scopeKey("tenant-a", "proj-1", sa.ID), SubAgent: sa})
	if err != nil {
		t.Fatalf("seed sub-agent: %v", err)
	}

	got, err := st.GetSubAgent(ctx, "tenant-a", "proj-1", "router")
	if err != nil {
		t.Fatalf("get sub-agent: %v", err)
	}
	if got == nil || got.ID != "router" {
		t.Fatalf("unexpected sub-agent: %+v", got)
	}

	miss, err := st.GetSubAgent(ctx, "tenant-b", "proj-1", "router")
	if err != nil {
		t.Fatalf("get sub-agent (other tenant): %v", err)
	}
	if miss != nil {
		t.Fatalf("expected tenant isolation miss, got %+v", miss)
	}
}

// TestConversationHistoryOrderingProperty verifies messages are always
// returned in non-decreasing createdAt order, regardless of insertion order.
func TestConversationHistoryOrderingProperty(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("history is returned in chronological order", prop.ForAll(
		func(n int) bool {
			if err := st.db.Collection(collMessages).Drop(ctx); err != nil {
				return false
			}
			conversationID := "conv-order"
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := n - 1; i >= 0; i-- {
				msg := &domain.Message{
					ID:             fmt.Sprintf("m-%d", i),
					ConversationID: conversationID,
					Role:           domain.RoleUser,
					Visibility:     domain.VisibilityUserFacing,
					Content:        domain.MessageContent{Text: fmt.Sprintf("msg %d", i)},
					CreatedAt:      base.Add(time.Duration(i) * time.Minute),
				}
				if err := st.CreateMessage(ctx, msg); err != nil {
					return false
				}
			}

			history, err := st.GetConversationHistory(ctx, conversationID, domain.HistoryQuery{
				Config: domain.ConversationHistoryConfig{Mode: domain.HistoryModeFull, IncludeInternal: true},
			})
			if err != nil {
				return false
			}
			for i := 1; i < len(history); i++ {
				if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
					return false
				}
			}
			return len(history) == n
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
