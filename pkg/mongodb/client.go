// Package mongodb is the client for the authoritative document store.
// The indexing pipeline reads records and back-syncs engine ids; the
// search service hydrates hits and resolves people records.
package mongodb

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// ErrNotFound is returned when a document id resolves to nothing.
var ErrNotFound = errors.New("document not found")

const (
	defaultDatabase  = "research_db"
	peopleCollection = "users"
)

// IDUpdate pairs an authoritative id with its engine id for back-sync.
type IDUpdate struct {
	MongoID      primitive.ObjectID
	OpenSearchID string
}

// Client wraps the document-store connection.
type Client struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	cfg        config.MongoConfig
	logger     observability.Logger
}

// NewClient connects with a bounded pool and verifies the connection.
func NewClient(ctx context.Context, cfg config.MongoConfig, logger observability.Logger) (*Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	cli, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to document store")
	}
	if err := cli.Ping(connectCtx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging document store")
	}

	dbName := databaseFromURI(cfg.URI)
	if dbName == "" {
		dbName = defaultDatabase
	}
	database := cli.Database(dbName)

	logger.Info("Connected to document store", map[string]interface{}{
		"database":   dbName,
		"collection": cfg.Collection,
	})

	return &Client{
		client:     cli,
		database:   database,
		collection: database.Collection(cfg.Collection),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Close disconnects the underlying client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

// notIndexedFilter selects records that still need an engine id. With
// reindexAll everything matches.
func notIndexedFilter(reindexAll bool) bson.M {
	if reindexAll {
		return bson.M{}
	}
	return bson.M{"open_search_id": bson.M{"$in": []interface{}{nil, ""}}}
}

// CountDocumentsToIndex returns how many records Phase 1 would fetch.
func (c *Client) CountDocumentsToIndex(ctx context.Context, reindexAll bool) (int64, error) {
	n, err := c.collection.CountDocuments(ctx, notIndexedFilter(reindexAll))
	return n, errors.Wrap(err, "counting documents to index")
}

// TotalDocuments returns the collection size.
func (c *Client) TotalDocuments(ctx context.Context) (int64, error) {
	n, err := c.collection.EstimatedDocumentCount(ctx)
	return n, errors.Wrap(err, "counting documents")
}

// StreamDocuments opens a cursor over the records to index and feeds
// them into a bounded channel. Back-pressure is the channel; the
// goroutine exits on cursor end or cancellation.
func (c *Client) StreamDocuments(ctx context.Context, reindexAll bool, limit int) (<-chan models.Document, error) {
	opts := options.Find().SetBatchSize(int32(c.cfg.BatchSize))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := c.collection.Find(ctx, notIndexedFilter(reindexAll), opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening document cursor")
	}

	out := make(chan models.Document, c.cfg.BatchSize*2)
	go func() {
		defer close(out)
		defer func() { _ = cursor.Close(ctx) }()

		for cursor.Next(ctx) {
			var doc models.Document
			if err := cursor.Decode(&doc); err != nil {
				c.logger.Warn("Skipping undecodable document", map[string]interface{}{"error": err.Error()})
				continue
			}
			select {
			case out <- doc:
			case <-ctx.Done():
				return
			}
		}
		if err := cursor.Err(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Document cursor failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	return out, nil
}

// NotIndexedIDs returns the hex ids of records that still lack an
// engine id. Phase 2 consults it so already-indexed records are never
// bulk-indexed a second time.
func (c *Client) NotIndexedIDs(ctx context.Context) (map[string]struct{}, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := c.collection.Find(ctx, notIndexedFilter(false), opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening id cursor")
	}
	defer func() { _ = cursor.Close(ctx) }()

	ids := make(map[string]struct{})
	for cursor.Next(ctx) {
		var row struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.Wrap(err, "decoding record id")
		}
		ids[row.ID.Hex()] = struct{}{}
	}
	return ids, errors.Wrap(cursor.Err(), "iterating record ids")
}

// BulkUpdateOpenSearchIDs sets the engine id on each record in one
// unordered bulk write, then waits the configured delay to stay inside
// the store's write quota.
func (c *Client) BulkUpdateOpenSearchIDs(ctx context.Context, updates []IDUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, len(updates))
	for i, u := range updates {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.MongoID}).
			SetUpdate(bson.M{"$set": bson.M{"open_search_id": u.OpenSearchID}})
	}

	opts := options.BulkWrite().SetOrdered(false)
	if _, err := c.collection.BulkWrite(ctx, writes, opts); err != nil {
		return errors.Wrap(err, "bulk updating engine ids")
	}

	if delay := c.cfg.BulkDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ClearOpenSearchIDs unsets every engine id. Used by full reindex.
func (c *Client) ClearOpenSearchIDs(ctx context.Context) (int64, error) {
	res, err := c.collection.UpdateMany(ctx,
		bson.M{"open_search_id": bson.M{"$exists": true}},
		bson.M{"$unset": bson.M{"open_search_id": ""}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "clearing engine ids")
	}
	return res.ModifiedCount, nil
}

// GetDocument fetches one record by hex id.
func (c *Client) GetDocument(ctx context.Context, hexID string) (models.Document, error) {
	oid, err := primitive.ObjectIDFromHex(hexID)
	if err != nil {
		return models.Document{}, ErrNotFound
	}

	var doc models.Document
	err = c.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, errors.Wrap(err, "fetching document")
	}
	return doc, nil
}

// FetchByIDs hydrates a hit list in one batch lookup. The result map is
// keyed by hex id; ids that fail to resolve are simply absent.
func (c *Client) FetchByIDs(ctx context.Context, hexIDs []string) (map[string]models.Document, error) {
	if len(hexIDs) == 0 {
		return map[string]models.Document{}, nil
	}

	oids := make([]primitive.ObjectID, 0, len(hexIDs))
	for _, id := range hexIDs {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			c.logger.Warn("Skipping malformed hit id", map[string]interface{}{"id": id})
			continue
		}
		oids = append(oids, oid)
	}

	cursor, err := c.collection.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, errors.Wrap(err, "hydrating documents")
	}
	defer func() { _ = cursor.Close(ctx) }()

	result := make(map[string]models.Document, len(hexIDs))
	for cursor.Next(ctx) {
		var doc models.Document
		if err := cursor.Decode(&doc); err != nil {
			c.logger.Warn("Skipping undecodable document during hydration", map[string]interface{}{"error": err.Error()})
			continue
		}
		result[doc.ID.Hex()] = doc
	}
	return result, errors.Wrap(cursor.Err(), "reading hydration cursor")
}

// authorFilter matches records containing the author id.
func authorFilter(authorID string) bson.M {
	return bson.M{"authors.author_id": authorID}
}

// FindByAuthor pages a single author's records, newest first.
func (c *Client) FindByAuthor(ctx context.Context, authorID string, page, perPage int) ([]models.Document, int64, error) {
	filter := authorFilter(authorID)

	total, err := c.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, errors.Wrap(err, "counting author documents")
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "publication_year", Value: -1}}).
		SetSkip(int64((page - 1) * perPage)).
		SetLimit(int64(perPage))

	cursor, err := c.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, errors.Wrap(err, "finding author documents")
	}
	defer func() { _ = cursor.Close(ctx) }()

	docs := make([]models.Document, 0, perPage)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, errors.Wrap(err, "reading author documents")
	}
	return docs, total, nil
}

// normalizeEmails lowercases and trims addresses, dropping empties.
func normalizeEmails(emails []string) []string {
	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
			normalized = append(normalized, e)
		}
	}
	return normalized
}

// FindPeopleByEmails resolves institutional user records by email.
func (c *Client) FindPeopleByEmails(ctx context.Context, emails []string) ([]models.Person, error) {
	if len(emails) == 0 {
		return []models.Person{}, nil
	}

	normalized := normalizeEmails(emails)

	cursor, err := c.database.Collection(peopleCollection).
		Find(ctx, bson.M{"email": bson.M{"$in": normalized}})
	if err != nil {
		return nil, errors.Wrap(err, "finding people by email")
	}
	defer func() { _ = cursor.Close(ctx) }()

	people := make([]models.Person, 0, len(normalized))
	if err := cursor.All(ctx, &people); err != nil {
		return nil, errors.Wrap(err, "reading people records")
	}
	return people, nil
}

// databaseFromURI extracts the database name from a connection string,
// ignoring query parameters.
func databaseFromURI(uri string) string {
	trimmed := uri
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		name := trimmed[i+1:]
		if !strings.Contains(name, ":") && !strings.Contains(name, "@") {
			return name
		}
	}
	return ""
}
