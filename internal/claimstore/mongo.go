package claimstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// collection names, one per row type named in §3 of the data model.
const (
	collMachines   = "machines"
	collSessions   = "sessions"
	collTasks      = "tasks"
	collClaims     = "project_claims"
	collReviews    = "reviews"
	collWorkspaces = "workspaces"
)

// MongoStore is the production Store, backed by a single Mongo
// database. It mirrors the reference codebase's internal/db.DB in
// spirit: one struct wrapping the connection, with a method per
// operation, except atomicity now comes from the driver's
// FindOneAndUpdate rather than hand-written SQL CAS statements.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials Mongo and pings it once so startup fails fast (exit
// code 1 per §6) rather than deferring the failure to the first
// request.
func Connect(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes creates every index named in §4.A, idempotently. It is
// safe to call on every process start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	machineIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "machine_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	sessionIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "machine_id", Value: 1}, {Key: "slot", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": bson.M{"$in": bson.A{SessionActive, SessionPaused, SessionStalled}}}),
		},
		{
			Keys: bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(30 * 24 * 3600).
				SetPartialFilterExpression(bson.M{"status": bson.M{"$in": bson.A{SessionCompleted, SessionFailed}}}),
		},
	}
	taskIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	claimIdx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "project_number", Value: 1}, {Key: "issue_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	reviewIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "review_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "project_number", Value: 1}, {Key: "issue_number", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": bson.M{"$in": bson.A{ReviewPending, ReviewInReview}}}),
		},
	}
	workspaceIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "workspace_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: "last_updated", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(7 * 24 * 3600),
		},
	}

	for _, idx := range []struct {
		coll  *mongo.Collection
		model []mongo.IndexModel
	}{
		{s.db.Collection(collMachines), machineIdx},
		{s.db.Collection(collSessions), sessionIdx},
		{s.db.Collection(collTasks), taskIdx},
		{s.db.Collection(collClaims), claimIdx},
		{s.db.Collection(collReviews), reviewIdx},
		{s.db.Collection(collWorkspaces), workspaceIdx},
	} {
		if _, err := idx.coll.Indexes().CreateMany(ctx, idx.model); err != nil {
			return fmt.Errorf("create indexes on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return mongo.IsDuplicateKeyError(err)
}

// --- Machines ---

func (s *MongoStore) InsertMachine(ctx context.Context, m *Machine) error {
	_, err := s.db.Collection(collMachines).InsertOne(ctx, m)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MongoStore) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	var m Machine
	err := s.db.Collection(collMachines).FindOne(ctx, bson.M{"machine_id": machineID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) FindAndUpdateMachine(ctx context.Context, filter, update M) (*Machine, error) {
	var m Machine
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.db.Collection(collMachines).FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) ListMachines(ctx context.Context, filter M) ([]*Machine, error) {
	cur, err := s.db.Collection(collMachines).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, err
	}
	var out []*Machine
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) UpdateManyMachines(ctx context.Context, filter, update M) (int64, error) {
	res, err := s.db.Collection(collMachines).UpdateMany(ctx, bson.M(filter), bson.M(update))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// --- Sessions ---

func (s *MongoStore) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.Collection(collSessions).InsertOne(ctx, sess)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MongoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.Collection(collSessions).FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) FindAndUpdateSession(ctx context.Context, filter, update M) (*Session, error) {
	var sess Session
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.db.Collection(collSessions).FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) ListSessions(ctx context.Context, filter M, opts ListOpts) ([]*Session, error) {
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(opts.Offset)
	}
	if opts.SortBy != "" {
		dir := 1
		if opts.Desc {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: opts.SortBy, Value: dir}})
	}
	cur, err := s.db.Collection(collSessions).Find(ctx, bson.M(filter), findOpts)
	if err != nil {
		return nil, err
	}
	var out []*Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) UpdateManySessions(ctx context.Context, filter, update M) (int64, error) {
	res, err := s.db.Collection(collSessions).UpdateMany(ctx, bson.M(filter), bson.M(update))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// AssignSlot relies on the partial unique index over (machine_id, slot)
// for occupying-status sessions (see EnsureIndexes): the update itself
// is unconditional on the target document, but Mongo rejects it with a
// duplicate-key error if the resulting document collides with another
// occupant, which we translate to ErrDuplicateKey.
func (s *MongoStore) AssignSlot(ctx context.Context, sessionID, machineID string, slot int) (*Session, error) {
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": bson.M{"machine_id": machineID, "slot": slot, "status": SessionActive}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var sess Session
	err := s.db.Collection(collSessions).FindOneAndUpdate(ctx, filter, update, opts).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if isDuplicateKey(err) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) ReleaseSlot(ctx context.Context, sessionID string) (*Session, error) {
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": bson.M{"slot": nil}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var sess Session
	err := s.db.Collection(collSessions).FindOneAndUpdate(ctx, filter, update, opts).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// --- Tasks ---

func (s *MongoStore) InsertTask(ctx context.Context, t *Task) error {
	_, err := s.db.Collection(collTasks).InsertOne(ctx, t)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MongoStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.Collection(collTasks).FindOne(ctx, bson.M{"task_id": taskID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) FindAndUpdateTask(ctx context.Context, filter, update M) (*Task, error) {
	var t Task
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.db.Collection(collTasks).FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) ListTasks(ctx context.Context, filter M) ([]*Task, error) {
	cur, err := s.db.Collection(collTasks).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, err
	}
	var out []*Task
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Project claims ---

func (s *MongoStore) InsertProjectClaim(ctx context.Context, c *ProjectClaim) error {
	_, err := s.db.Collection(collClaims).InsertOne(ctx, c)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MongoStore) GetProjectClaim(ctx context.Context, projectNumber, issueNumber int) (*ProjectClaim, error) {
	var c ProjectClaim
	filter := bson.M{"project_number": projectNumber, "issue_number": issueNumber}
	err := s.db.Collection(collClaims).FindOne(ctx, filter).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) DeleteProjectClaim(ctx context.Context, projectNumber, issueNumber int) error {
	res, err := s.db.Collection(collClaims).DeleteOne(ctx, bson.M{"project_number": projectNumber, "issue_number": issueNumber})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListProjectClaims(ctx context.Context, filter M) ([]*ProjectClaim, error) {
	cur, err := s.db.Collection(collClaims).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, err
	}
	var out []*ProjectClaim
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Reviews ---

func (s *MongoStore) InsertReview(ctx context.Context, r *ReviewItem) error {
	_, err := s.db.Collection(collReviews).InsertOne(ctx, r)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MongoStore) GetReview(ctx context.Context, reviewID string) (*ReviewItem, error) {
	var r ReviewItem
	err := s.db.Collection(collReviews).FindOne(ctx, bson.M{"review_id": reviewID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MongoStore) FindReviewByPair(ctx context.Context, projectNumber, issueNumber int, statuses []string) (*ReviewItem, error) {
	var r ReviewItem
	filter := bson.M{
		"project_number": projectNumber,
		"issue_number":   issueNumber,
		"status":         bson.M{"$in": statuses},
	}
	err := s.db.Collection(collReviews).FindOne(ctx, filter).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MongoStore) FindAndUpdateReview(ctx context.Context, filter, update M) (*ReviewItem, error) {
	var r ReviewItem
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.db.Collection(collReviews).FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MongoStore) ListReviews(ctx context.Context, filter M, opts ListOpts) ([]*ReviewItem, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(opts.Offset)
	}
	cur, err := s.db.Collection(collReviews).Find(ctx, bson.M(filter), findOpts)
	if err != nil {
		return nil, err
	}
	var out []*ReviewItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteManyReviews(ctx context.Context, filter M) (int64, error) {
	res, err := s.db.Collection(collReviews).DeleteMany(ctx, bson.M(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// --- Workspace orchestration ---

func (s *MongoStore) GetWorkspace(ctx context.Context, workspaceID string) (*WorkspaceOrchestration, error) {
	var w WorkspaceOrchestration
	err := s.db.Collection(collWorkspaces).FindOne(ctx, bson.M{"workspace_id": workspaceID}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *MongoStore) FindAndUpdateWorkspace(ctx context.Context, filter, update M) (*WorkspaceOrchestration, error) {
	var w WorkspaceOrchestration
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.db.Collection(collWorkspaces).FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpsertWorkspace loads the workspace row (creating a zeroed one if
// absent), applies mutate, and writes it back with upsert semantics.
// Used only by the Control API's "set desired" path, which is a single
// operator at a time per workspace by convention; the orchestrator
// loop itself only ever updates `running` via FindAndUpdateWorkspace.
func (s *MongoStore) UpsertWorkspace(ctx context.Context, workspaceID string, mutate func(*WorkspaceOrchestration)) (*WorkspaceOrchestration, error) {
	w, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if w == nil {
		w = &WorkspaceOrchestration{WorkspaceID: workspaceID}
	}
	mutate(w)
	w.LastUpdated = time.Now()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)
	var out WorkspaceOrchestration
	update := bson.M{"$set": w}
	err = s.db.Collection(collWorkspaces).FindOneAndUpdate(ctx, bson.M{"workspace_id": workspaceID}, update, opts).Decode(&out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) ListWorkspaces(ctx context.Context) ([]*WorkspaceOrchestration, error) {
	cur, err := s.db.Collection(collWorkspaces).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var out []*WorkspaceOrchestration
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
