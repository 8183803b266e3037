package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/orderhub/config"
	"example.com/orderhub/eventstore"
)

// EventsIndex is the logical index name for appended events.
const EventsIndex = "events"

// ElasticIndexer mirrors appended events into Elasticsearch for free-text
// search. Indexing is best effort; callers wrap it in a circuit breaker so a
// sick cluster cannot stall command handling.
type ElasticIndexer struct {
	client *elasticsearch.Client
	cfg    config.ElasticConfig
}

// NewElasticIndexer creates a new Elasticsearch event indexer.
func NewElasticIndexer(cfg config.ElasticConfig) (*ElasticIndexer, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticIndexer{client: client, cfg: cfg}, nil
}

// IndexEvent indexes one event document keyed by event id.
func (c *ElasticIndexer) IndexEvent(ctx context.Context, event *eventstore.Event) error {
	doc := map[string]interface{}{
		"id":             event.ID,
		"aggregate_id":   event.AggregateID,
		"aggregate_type": event.AggregateType,
		"event_type":     event.EventType,
		"version":        event.Version,
		"sequence":       event.Sequence,
		"payload":        event.Payload,
		"timestamp":      event.Timestamp,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(EventsIndex),
		DocumentID: event.ID,
		Body:       bytes.NewReader(data),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index event")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index event: %s", res.Status())
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("index", c.indexName(EventsIndex)).
		Msg("Event indexed")

	return nil
}

func (c *ElasticIndexer) indexName(index string) string {
	return fmt.Sprintf("%s-%s", c.cfg.Prefix, index)
}
