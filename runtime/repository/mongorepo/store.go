// Package mongorepo implements repository.Repository over MongoDB for
// persisted deployments. It mirrors inmem's read-miss and idempotency
// contracts exactly; the storage medium is the only difference.
package mongorepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/repository"
)

// Collection names. Kept unexported; callers reach the database only
// through Store's methods or EnsureIndexes.
const (
	collConversations = "conversations"
	collMessages      = "messages"
	collTasks         = "tasks"
	collArtifacts     = "artifacts"
	collSubAgents     = "sub_agents"
	collAgents        = "agents"
	collRelations     = "relations"
	collTools         = "tools"
	collFunctions     = "functions"
	collCredentials   = "credentials"
	collContexts      = "contexts"
)

// Store is a MongoDB-backed repository.Repository.
type Store struct {
	db *mongo.Database
}

var _ repository.Repository = (*Store)(nil)

// New constructs a Store over an already-connected database handle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// EnsureIndexes creates the indexes §6's "Persisted state layout" calls for:
// messages by (conversationId, createdAt), a unique artifacts index on the
// (artifactId, metadata.toolCallId) primary key, and tasks by
// metadata.contextId. Call once at startup; CreateIndexes is idempotent
// against an existing equivalent index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongorepo: creating messages index: %w", err)
	}
	_, err = s.db.Collection(collArtifacts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "artifactId", Value: 1}, {Key: "metadata.toolCallId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongorepo: creating artifacts index: %w", err)
	}
	_, err = s.db.Collection(collTasks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "metadata.contextId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongorepo: creating tasks contextId index: %w", err)
	}
	return nil
}

func scopeKey(tenantID, projectID, id string) string {
	return tenantID + "/" + projectID + "/" + id
}

// --- sub-agent / relation / tool / credential / context config reads ---

func (s *Store) GetSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) (*domain.SubAgent, error) {
	var sa domain.SubAgent
	err := s.db.Collection(collSubAgents).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, subAgentID)}).Decode(&sa)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get sub-agent %q: %w", subAgentID, err)
	}
	return &sa, nil
}

func (s *Store) GetAgentWithSubAgents(ctx context.Context, tenantID, projectID, agentID string) ([]*domain.SubAgent, error) {
	var idx struct {
		SubAgentIDs []string `bson:"subAgentIds"`
	}
	err := s.db.Collection(collAgents).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, agentID)}).Decode(&idx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get agent %q: %w", agentID, err)
	}
	out := make([]*domain.SubAgent, 0, len(idx.SubAgentIDs))
	for _, id := range idx.SubAgentIDs {
		sa, err := s.GetSubAgent(ctx, tenantID, projectID, id)
		if err != nil {
			return nil, err
		}
		if sa != nil {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (s *Store) GetRelatedAgents(ctx context.Context, tenantID, projectID, subAgentID string) (domain.RelatedAgents, error) {
	var rel domain.RelatedAgents
	err := s.db.Collection(collRelations).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, subAgentID)}).Decode(&rel)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.RelatedAgents{}, nil
	}
	if err != nil {
		return domain.RelatedAgents{}, fmt.Errorf("mongorepo: get related agents for %q: %w", subAgentID, err)
	}
	return rel, nil
}

func (s *Store) GetToolsForSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) ([]domain.ToolConfig, error) {
	var doc struct {
		Tools []domain.ToolConfig `bson:"tools"`
	}
	err := s.db.Collection(collTools).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, subAgentID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get tools for %q: %w", subAgentID, err)
	}
	return doc.Tools, nil
}

func (s *Store) GetFunctionToolsForSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) ([]domain.FunctionTool, error) {
	var doc struct {
		FunctionIDs []string `bson:"functionIds"`
	}
	err := s.db.Collection(collFunctions).FindOne(ctx, bson.M{"_id": "binding/" + scopeKey(tenantID, projectID, subAgentID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get function bindings for %q: %w", subAgentID, err)
	}
	out := make([]domain.FunctionTool, 0, len(doc.FunctionIDs))
	for _, id := range doc.FunctionIDs {
		fn, err := s.GetFunction(ctx, tenantID, projectID, id)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			out = append(out, *fn)
		}
	}
	return out, nil
}

func (s *Store) GetFunction(ctx context.Context, tenantID, projectID, functionID string) (*domain.FunctionTool, error) {
	var fn domain.FunctionTool
	err := s.db.Collection(collFunctions).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, functionID)}).Decode(&fn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get function %q: %w", functionID, err)
	}
	return &fn, nil
}

func (s *Store) GetCredentialReference(ctx context.Context, tenantID, projectID, credentialID string) (*domain.CredentialReference, error) {
	var cred domain.CredentialReference
	err := s.db.Collection(collCredentials).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, credentialID)}).Decode(&cred)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get credential %q: %w", credentialID, err)
	}
	return &cred, nil
}

func (s *Store) GetContextConfigByID(ctx context.Context, tenantID, projectID, configID string) (*domain.ContextConfig, error) {
	var cfg domain.ContextConfig
	err := s.db.Collection(collContexts).FindOne(ctx, bson.M{"_id": scopeKey(tenantID, projectID, configID)}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get context config %q: %w", configID, err)
	}
	return &cfg, nil
}

// --- conversation / message / task / artifact read-write ---

func (s *Store) GetConversationHistory(ctx context.Context, conversationID string, q domain.HistoryQuery) ([]*domain.Message, error) {
	if q.Config.Mode == domain.HistoryModeNone {
		return nil, nil
	}

	filter := bson.M{"conversationId": conversationID}
	if len(q.Config.MessageTypes) > 0 {
		filter["messageType"] = bson.M{"$in": q.Config.MessageTypes}
	}

	var and []bson.M
	if !q.Config.IncludeInternal {
		and = append(and, bson.M{"$or": []bson.M{
			{"visibility": domain.VisibilityUserFacing},
			{"role": domain.RoleUser},
		}})
	}
	if q.Config.Mode == domain.HistoryModeScoped {
		if q.TaskID != "" {
			filter["taskId"] = q.TaskID
		}
		if q.SubAgentID != "" {
			and = append(and, bson.M{"$or": []bson.M{
				{"fromSubAgentId": q.SubAgentID},
				{"toSubAgentId": q.SubAgentID},
			}})
		}
	}
	if len(and) > 0 {
		filter["$and"] = and
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if q.Config.Limit > 0 {
		opts.SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(q.Config.Limit))
	}
	cursor, err := s.db.Collection(collMessages).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongorepo: conversation history query: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []*domain.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongorepo: conversation history decode: %w", err)
	}
	if q.Config.Limit > 0 {
		// Find applied descending order + limit to select the most recent
		// page; restore chronological order before returning.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collMessages).InsertOne(ctx, msg)
	if err != nil {
		return fmt.Errorf("mongorepo: create message: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collTasks).InsertOne(ctx, task)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil // idempotent by primary key
		}
		return fmt.Errorf("mongorepo: create task %q: %w", task.ID, err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.db.Collection(collTasks).ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		return fmt.Errorf("mongorepo: update task %q: %w", task.ID, err)
	}
	if res.MatchedCount == 0 {
		return errs.NotFound("task not found: " + task.ID)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	err := s.db.Collection(collTasks).FindOne(ctx, bson.M{"_id": taskID}).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get task %q: %w", taskID, err)
	}
	return &task, nil
}

func (s *Store) ListTaskIDsByContext(ctx context.Context, contextID string) ([]string, error) {
	cursor, err := s.db.Collection(collTasks).Find(ctx,
		bson.M{"metadata.contextId": contextID},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongorepo: list task ids for context %q: %w", contextID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongorepo: list task ids decode: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *Store) GetLedgerArtifacts(ctx context.Context, taskID string) ([]*domain.Artifact, error) {
	cursor, err := s.db.Collection(collArtifacts).Find(ctx,
		bson.M{"taskId": taskID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get ledger artifacts for %q: %w", taskID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []*domain.Artifact
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongorepo: ledger artifacts decode: %w", err)
	}
	return out, nil
}

func (s *Store) PutArtifact(ctx context.Context, artifact *domain.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collArtifacts).InsertOne(ctx, artifact)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil // idempotent by (artifactId, toolCallId)
		}
		return fmt.Errorf("mongorepo: put artifact %q: %w", artifact.ArtifactID, err)
	}
	return nil
}

func (s *Store) SetActiveSubAgentForThread(ctx context.Context, conversationID, subAgentID string) error {
	res, err := s.db.Collection(collConversations).UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"activeSubAgentId": subAgentID}},
	)
	if err != nil {
		return fmt.Errorf("mongorepo: set active sub-agent for %q: %w", conversationID, err)
	}
	if res.MatchedCount == 0 {
		return errs.NotFound("conversation not found: " + conversationID)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.Collection(collConversations).FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongorepo: get conversation %q: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collConversations).InsertOne(ctx, conv)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mongorepo: create conversation %q: %w", conv.ID, err)
	}
	return nil
}
