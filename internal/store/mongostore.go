// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Default collection names shared with the gateway-side tooling.
const (
	DefaultCredentialsCollection = "api_credentials"
	DefaultConfigCollection      = "app_config"
	DefaultRateLimitCollection   = "rate_limit_config"
)

// MongoStoreConfig captures configuration required to initialize a MongoDB-backed store.
type MongoStoreConfig struct {
	URI                   string
	Database              string
	CredentialsCollection string
	ConfigCollection      string
	RateLimitCollection   string
	ConnectTimeout        time.Duration
}

func (c *MongoStoreConfig) applyDefaults() {
	if c.Database == "" {
		c.Database = "molbot"
	}
	if c.CredentialsCollection == "" {
		c.CredentialsCollection = DefaultCredentialsCollection
	}
	if c.ConfigCollection == "" {
		c.ConfigCollection = DefaultConfigCollection
	}
	if c.RateLimitCollection == "" {
		c.RateLimitCollection = DefaultRateLimitCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// MongoStore persists credentials, settings and rate limits in MongoDB.
type MongoStore struct {
	client      *mongo.Client
	cfg         MongoStoreConfig
	credentials *mongo.Collection
	settings    *mongo.Collection
	rateLimits  *mongo.Collection
	now         func() time.Time
}

type credentialDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	Provider       string             `bson:"provider"`
	Name           string             `bson:"name"`
	TokenEncrypted string             `bson:"tokenEncrypted"`
	Enabled        bool               `bson:"enabled"`
	Metadata       map[string]any     `bson:"metadata,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt"`
}

func (d credentialDoc) toCredential() Credential {
	return Credential{
		ID:             d.ID.Hex(),
		Provider:       d.Provider,
		Name:           d.Name,
		TokenEncrypted: d.TokenEncrypted,
		Enabled:        d.Enabled,
		Metadata:       d.Metadata,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type settingDoc struct {
	Key   string `bson:"key"`
	Value any    `bson:"value"`
}

type rateLimitDoc struct {
	ProviderLimits map[string]int `bson:"providerLimits"`
	GlobalEnabled  *bool          `bson:"globalEnabled"`
	MaxRetries     *int           `bson:"maxRetries"`
	EnableFallback *bool          `bson:"enableFallback"`
	UpdatedAt      time.Time      `bson:"updatedAt"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoStoreConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo store: uri is required")
	}
	cfg.applyDefaults()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo store: connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo store: ping: %w", err)
	}

	s := newMongoStore(client.Database(cfg.Database), cfg)
	s.client = client
	if err := s.ensureIndexes(connectCtx); err != nil {
		log.Warnf("mongo store: failed to ensure indexes: %v", err)
	}
	return s, nil
}

func newMongoStore(db *mongo.Database, cfg MongoStoreConfig) *MongoStore {
	cfg.applyDefaults()
	return &MongoStore{
		cfg:         cfg,
		credentials: db.Collection(cfg.CredentialsCollection),
		settings:    db.Collection(cfg.ConfigCollection),
		rateLimits:  db.Collection(cfg.RateLimitCollection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.settings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "enabled", Value: 1}},
	})
	return err
}

// Ping checks that the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return oid, nil
}

func (s *MongoStore) findCredentials(ctx context.Context, filter bson.M) ([]Credential, error) {
	cur, err := s.credentials.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo store: find credentials: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]Credential, 0)
	for cur.Next(ctx) {
		var doc credentialDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo store: decode credential: %w", err)
		}
		out = append(out, doc.toCredential())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo store: iterate credentials: %w", err)
	}
	return out, nil
}

// List returns every credential in insertion order.
func (s *MongoStore) List(ctx context.Context) ([]Credential, error) {
	return s.findCredentials(ctx, bson.M{})
}

// FindEnabled returns enabled credentials in insertion order.
func (s *MongoStore) FindEnabled(ctx context.Context) ([]Credential, error) {
	return s.findCredentials(ctx, bson.M{"enabled": true})
}

// Get returns a credential by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*Credential, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var doc credentialDoc
	if err := s.credentials.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo store: get credential: %w", err)
	}
	c := doc.toCredential()
	return &c, nil
}

// Create inserts a credential.
func (s *MongoStore) Create(ctx context.Context, c *Credential) (*Credential, error) {
	rec := *c
	if err := rec.Normalize(); err != nil {
		return nil, err
	}
	now := s.now()
	doc := credentialDoc{
		ID:             primitive.NewObjectID(),
		Provider:       rec.Provider,
		Name:           rec.Name,
		TokenEncrypted: rec.TokenEncrypted,
		Enabled:        rec.Enabled,
		Metadata:       rec.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.credentials.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongo store: insert credential: %w", err)
	}
	out := doc.toCredential()
	return &out, nil
}

// Update applies the non-nil fields of patch and returns the updated record.
func (s *MongoStore) Update(ctx context.Context, id string, patch CredentialPatch) (*Credential, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	set := bson.M{"updatedAt": s.now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.TokenEncrypted != nil {
		set["tokenEncrypted"] = *patch.TokenEncrypted
	}
	if patch.Enabled != nil {
		set["enabled"] = *patch.Enabled
	}
	if patch.Metadata != nil {
		set["metadata"] = patch.Metadata
	}

	var doc credentialDoc
	err = s.credentials.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo store: update credential: %w", err)
	}
	c := doc.toCredential()
	return &c, nil
}

// Delete removes a credential.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.credentials.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("mongo store: delete credential: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoConfigStore is the app_config view of a MongoStore.
type MongoConfigStore struct{ s *MongoStore }

// Settings returns the ConfigStore view.
func (s *MongoStore) Settings() *MongoConfigStore { return &MongoConfigStore{s: s} }

// Get returns the value stored under key.
func (c *MongoConfigStore) Get(ctx context.Context, key string) (any, bool, error) {
	var doc settingDoc
	if err := c.s.settings.FindOne(ctx, bson.M{"key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mongo store: get setting %s: %w", key, err)
	}
	return doc.Value, true, nil
}

// All returns every setting as a map.
func (c *MongoConfigStore) All(ctx context.Context) (map[string]any, error) {
	cur, err := c.s.settings.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongo store: list settings: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]any)
	for cur.Next(ctx) {
		var doc settingDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo store: decode setting: %w", err)
		}
		out[doc.Key] = doc.Value
	}
	return out, cur.Err()
}

// Set upserts key.
func (c *MongoConfigStore) Set(ctx context.Context, key string, value any) error {
	_, err := c.s.settings.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": bson.M{"value": value, "updatedAt": c.s.now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo store: set setting %s: %w", key, err)
	}
	return nil
}

// MongoRateLimitStore is the rate_limit_config view of a MongoStore.
type MongoRateLimitStore struct{ s *MongoStore }

// RateLimits returns the RateLimitStore view.
func (s *MongoStore) RateLimits() *MongoRateLimitStore { return &MongoRateLimitStore{s: s} }

// Load returns the most recently updated document.
func (r *MongoRateLimitStore) Load(ctx context.Context) (*RateLimitConfig, bool, error) {
	var doc rateLimitDoc
	err := r.s.rateLimits.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mongo store: load rate limits: %w", err)
	}

	cfg := &RateLimitConfig{
		ProviderLimits: doc.ProviderLimits,
		GlobalEnabled:  true,
		MaxRetries:     3,
		EnableFallback: true,
		UpdatedAt:      doc.UpdatedAt,
	}
	if doc.GlobalEnabled != nil {
		cfg.GlobalEnabled = *doc.GlobalEnabled
	}
	if doc.MaxRetries != nil {
		cfg.MaxRetries = *doc.MaxRetries
	}
	if doc.EnableFallback != nil {
		cfg.EnableFallback = *doc.EnableFallback
	}
	return cfg, true, nil
}

// Save upserts the single configuration document.
func (r *MongoRateLimitStore) Save(ctx context.Context, cfg *RateLimitConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = r.s.now()
	_, err := r.s.rateLimits.UpdateOne(ctx,
		bson.M{},
		bson.M{"$set": bson.M{
			"providerLimits": cfg.ProviderLimits,
			"globalEnabled":  cfg.GlobalEnabled,
			"maxRetries":     cfg.MaxRetries,
			"enableFallback": cfg.EnableFallback,
			"updatedAt":      cfg.UpdatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo store: save rate limits: %w", err)
	}
	return nil
}
