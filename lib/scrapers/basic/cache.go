package basic

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/url"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errPageNotCached = errors.New("page not cached")

type cachedPage struct {
	Url        string
	Content    []byte
	Headers    map[string][]string
	StatusCode int
	FetchedAt  int64
}

// pageCache stores successful responses in badger, keyed by client id and
// normalized url so equivalent urls share an entry.
type pageCache struct {
	db  *badger.DB
	ttl time.Duration
}

func cacheKey(clientId, rawUrl string) (string, error) {
	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return "", err
	}
	normalized := purell.NormalizeURL(
		parsed,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
	return clientId + ":" + normalized, nil
}

func (c pageCache) get(ctx context.Context, clientId, rawUrl string) (cachedPage, error) {
	_, span := tracer.Start(ctx, "cache:get")
	defer span.End()

	key, err := cacheKey(clientId, rawUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return cachedPage{}, err
	}
	span.SetAttributes(attribute.String("cache_key", key))

	var serialized []byte
	err = c.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if err != nil {
			return err
		}
		serialized, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cachedPage{}, errPageNotCached
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read item from badger")
		return cachedPage{}, err
	}

	var page cachedPage
	err = gob.NewDecoder(bytes.NewReader(serialized)).Decode(&page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to deserialize cached item")
		return cachedPage{}, err
	}
	return page, nil
}

func (c pageCache) set(ctx context.Context, clientId string, page cachedPage) error {
	_, span := tracer.Start(ctx, "cache:set")
	defer span.End()

	key, err := cacheKey(clientId, page.Url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return err
	}
	span.SetAttributes(attribute.String("cache_key", key))

	serialized := bytes.NewBuffer(nil)
	err = gob.NewEncoder(serialized).Encode(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize page")
		return err
	}

	entry := badger.NewEntry([]byte(key), serialized.Bytes())
	if c.ttl > 0 {
		entry = entry.WithTTL(c.ttl)
	}
	err = c.db.Update(func(tx *badger.Txn) error {
		return tx.SetEntry(entry)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
		return err
	}
	return nil
}
