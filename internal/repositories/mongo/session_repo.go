package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/utils"
)

type SessionRepository interface {
	Put(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetAll(ctx context.Context) ([]models.Session, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	EvictBeyond(ctx context.Context, limit int) (removed int, err error)
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepository {
	return &sessionRepo{col: db.Collection("sessions")}
}

// Put upserts by session id. The controller awaits this before any status
// transition becomes observable, so the durable copy tracks the in-memory one.
func (r *sessionRepo) Put(ctx context.Context, s *models.Session) error {
	_, err := r.col.ReplaceOne(ctx,
		bson.M{"_id": s.ID},
		s,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return utils.E(utils.CodeUnavailable, "SessionRepo.Put", "failed to persist session", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, "SessionRepo.Get", "failed to load session", err)
	}
	return &s, nil
}

// GetAll returns every stored session, newest first by created_at.
func (r *sessionRepo) GetAll(ctx context.Context) ([]models.Session, error) {
	cur, err := r.col.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, "SessionRepo.GetAll", "failed to list sessions", err)
	}
	defer cur.Close(ctx)

	var out []models.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, utils.E(utils.CodeUnavailable, "SessionRepo.GetAll", "failed to decode sessions", err)
	}
	return out, nil
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.col.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return utils.E(utils.CodeUnavailable, "SessionRepo.Delete", "failed to delete session", err)
	}
	return nil
}

func (r *sessionRepo) Clear(ctx context.Context) error {
	if _, err := r.col.DeleteMany(ctx, bson.M{}); err != nil {
		return utils.E(utils.CodeUnavailable, "SessionRepo.Clear", "failed to clear sessions", err)
	}
	return nil
}

// EvictBeyond deletes every session past the newest limit by created_at,
// oldest first. Best-effort: it is not atomic with the write that triggered it.
func (r *sessionRepo) EvictBeyond(ctx context.Context, limit int) (int, error) {
	const op = "SessionRepo.EvictBeyond"

	cur, err := r.col.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(int64(limit)).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, utils.E(utils.CodeUnavailable, op, "failed to scan for eviction", err)
	}
	defer cur.Close(ctx)

	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &stale); err != nil {
		return 0, utils.E(utils.CodeUnavailable, op, "failed to decode eviction scan", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	res, err := r.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, utils.E(utils.CodeUnavailable, op, "failed to evict sessions", err)
	}
	return int(res.DeletedCount), nil
}
