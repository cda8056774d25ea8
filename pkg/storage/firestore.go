package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists prices, slot outcomes, and consumption history to
// sub-collections of a single home document.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	homeID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	homeID := lflag.String("firestore-home-id", "default", "Document ID of this home under the homes collection")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.homeID = *homeID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.homeID == "" {
		return fmt.Errorf("firestore-home-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("homes").Doc(f.homeID).Collection(name)
}

// AppendSlotOutcome stores the realized result of a finished slot in the
// "slot_outcomes" collection. The document ID is the RFC3339 timestamp for
// efficient range queries.
func (f *FirestoreProvider) AppendSlotOutcome(ctx context.Context, outcome types.SlotOutcome, version int) error {
	if outcome.Time.IsZero() {
		return fmt.Errorf("slot outcome missing time")
	}
	jsonBytes, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal slot outcome: %w", err)
	}

	docID := outcome.Time.UTC().Format(time.RFC3339)
	_, err = f.collection("slot_outcomes").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": outcome.Time,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to append slot outcome: %w", err)
	}
	return nil
}

// GetSlotOutcomes retrieves slot outcomes within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetSlotOutcomes(ctx context.Context, start, end time.Time) ([]types.SlotOutcome, error) {
	coll := f.collection("slot_outcomes")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var outcomes []types.SlotOutcome
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating slot outcomes: %w", err)
		}

		var o types.SlotOutcome
		if err := f.unmarshalDoc(ctx, doc, &o); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// UpsertPrice adds or updates a price record in the "price_history"
// collection. The document ID is the RFC3339 timestamp of TSStart.
func (f *FirestoreProvider) UpsertPrice(ctx context.Context, price types.Price, version int) error {
	jsonBytes, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}

	docID := price.TSStart.UTC().Format(time.RFC3339)
	_, err = f.collection("price_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": price.TSStart,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// GetPriceHistory retrieves price records within the specified time range.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	coll := f.collection("price_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.Price
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}

		var p types.Price
		if err := f.unmarshalDoc(ctx, doc, &p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// GetLatestPriceTime retrieves the timestamp of the last stored price record.
func (f *FirestoreProvider) GetLatestPriceTime(ctx context.Context) (time.Time, int, error) {
	// firestore automatically creates indexes for top-level fields
	iter := f.collection("price_history").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, 0, nil
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return time.Time{}, 0, nil
		}
		return time.Time{}, 0, fmt.Errorf("failed to get latest price doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid price doc id %s: %w", doc.Ref.ID, err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	return ts, version, nil
}

// UpsertConsumption adds or updates an hourly consumption record in the
// "consumption_history" collection.
func (f *FirestoreProvider) UpsertConsumption(ctx context.Context, stats types.ConsumptionStats, version int) error {
	if stats.TSHourStart.IsZero() {
		return fmt.Errorf("consumption stats missing tsHourStart")
	}
	jsonBytes, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal consumption stats: %w", err)
	}

	docID := stats.TSHourStart.UTC().Format(time.RFC3339)
	_, err = f.collection("consumption_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": stats.TSHourStart,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert consumption stats: %w", err)
	}
	return nil
}

// GetConsumptionHistory retrieves consumption records within the specified
// time range.
func (f *FirestoreProvider) GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionStats, error) {
	coll := f.collection("consumption_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.Truncate(time.Hour).UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.Truncate(time.Hour).UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var allStats []types.ConsumptionStats
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating consumption history: %w", err)
		}

		var s types.ConsumptionStats
		if err := f.unmarshalDoc(ctx, doc, &s); err != nil {
			return nil, err
		}
		allStats = append(allStats, s)
	}
	return allStats, nil
}

// unmarshalDoc decodes the "json" field of a document into dest.
func (f *FirestoreProvider) unmarshalDoc(ctx context.Context, doc *firestore.DocumentSnapshot, dest interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}

	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document (id=%s): %w", doc.Ref.ID, err)
	}
	return nil
}
