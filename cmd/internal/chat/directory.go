package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StaticDirectory is an in-process Directory. Unknown users resolve to an ID-only profile.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticDirectory constructs a directory seeded with profiles.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

// Profiles implements Directory.
func (d *StaticDirectory) Profiles(_ context.Context, userIDs []string) (map[string]Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// MongoDirectory reads profiles from a users collection with fields
// name, email and avatar_url. User ids may be stored as ObjectIDs or strings.
type MongoDirectory struct {
	users *mongo.Collection
}

// NewMongoDirectory binds the directory to db.users.
func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{users: db.Collection("users")}
}

// Profiles implements Directory.
func (d *MongoDirectory) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	if len(userIDs) == 0 {
		return map[string]Profile{}, nil
	}

	keys := make(bson.A, 0, 2*len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, id)
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			keys = append(keys, oid)
		}
	}

	cur, err := d.users.Find(ctx,
		bson.M{"_id": bson.M{"$in": keys}},
		options.Find().SetProjection(bson.M{"name": 1, "email": 1, "avatar_url": 1}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make(map[string]Profile, len(userIDs))
	for cur.Next(ctx) {
		var doc struct {
			ID        any    `bson:"_id"`
			Name      string `bson:"name"`
			Email     string `bson:"email"`
			AvatarURL string `bson:"avatar_url"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}

		var id string
		switch v := doc.ID.(type) {
		case primitive.ObjectID:
			id = v.Hex()
		case string:
			id = v
		default:
			continue
		}
		out[id] = Profile{ID: id, Name: doc.Name, Email: doc.Email, AvatarURL: doc.AvatarURL}
	}
	return out, cur.Err()
}

// PostgresDirectory reads profiles from <schema>.users.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a directory over the given schema (default "duet").
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if schema == "" {
		schema = "duet"
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("chat: invalid schema identifier")
	}
	return &PostgresDirectory{pool: pool, schema: schema}, nil
}

// Profiles implements Directory.
func (d *PostgresDirectory) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, name, email, avatar_url FROM `+pgIdent(d.schema, "users")+` WHERE id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.AvatarURL); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
