// Package feed defines the runtime market data feed contract and the
// registry that selects a concrete provider from configuration. Grounded
// on original_source/coordinator/feeds/base.go.py's DataFeed Protocol and
// registry.py's env-driven factory selection, translated into a Go
// interface plus a constructor registry the way the teacher's
// internal/webhooks/matcher package registers condition builders by
// name.
package feed

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// MarketDataKind is the shape of data carried by a feed record.
type MarketDataKind string

const (
	KindTick   MarketDataKind = "tick"
	KindCandle MarketDataKind = "candle"
)

// SubjectDescriptor is a provider-native asset descriptor with its
// supported kinds/granularities, returned by ListSubjects.
type SubjectDescriptor struct {
	Symbol          string
	DisplayName     string
	Kinds           []MarketDataKind
	Granularities   []string
	Quote           string
	Base            string
	Venue           string
	Metadata        map[string]any
}

// Subscription is a push/listen-mode request.
type Subscription struct {
	Assets      []string
	Kind        MarketDataKind
	Granularity string
	Fields      []string
}

// FetchRequest is a pull/fetch-mode request, used for backfill and for
// resolver truth-window queries.
type FetchRequest struct {
	Assets      []string
	Kind        MarketDataKind
	Granularity string
	StartTs     *int64
	EndTs       *int64
	Limit       *int
	Fields      []string
}

// Record is the canonical market observation shape a provider normalizes
// its native payload into, before internal/feed.Ingestor converts it to
// a models.FeedRecord for persistence.
type Record struct {
	Asset       string
	Kind        MarketDataKind
	Granularity string
	TsEvent     int64 // unix seconds
	Values      map[string]any
	Source      string
	Metadata    map[string]any
}

// Sink receives pushed records from a Listen subscription.
type Sink interface {
	OnRecord(ctx context.Context, record Record) error
}

// Handle stops an active Listen subscription.
type Handle interface {
	Stop(ctx context.Context) error
}

// DataFeed is the generic runtime data feed contract every provider
// implements: subject discovery, push-mode listen, and pull-mode fetch
// (used for both backfill and resolver truth windows).
type DataFeed interface {
	ListSubjects(ctx context.Context) ([]SubjectDescriptor, error)
	Listen(ctx context.Context, sub Subscription, sink Sink) (Handle, error)
	Fetch(ctx context.Context, req FetchRequest) ([]Record, error)
}

// Settings carries a provider's normalized name plus its FEED_OPT_*
// options, as built by Registry.CreateFromEnv.
type Settings struct {
	Provider string
	Options  map[string]string
}

// Factory constructs a DataFeed from Settings.
type Factory func(Settings) (DataFeed, error)

// Registry maps provider names to Factory constructors, mirroring
// original_source's DataFeedRegistry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry; callers register providers
// before calling Create/CreateFromEnv.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a provider factory under name. Returns an error if name
// is already registered, unless replace is true.
func (r *Registry) Register(name string, factory Factory, replace bool) error {
	key := normalizeProvider(name)
	if key == "" {
		return fmt.Errorf("feed: provider name cannot be empty")
	}
	if !replace {
		if _, exists := r.factories[key]; exists {
			return fmt.Errorf("feed: provider %q already registered", key)
		}
	}
	r.factories[key] = factory
	return nil
}

// Providers lists registered provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds a DataFeed for the named provider.
func (r *Registry) Create(name string, options map[string]string) (DataFeed, error) {
	key := normalizeProvider(name)
	factory, ok := r.factories[key]
	if !ok {
		allowed := strings.Join(r.Providers(), ", ")
		if allowed == "" {
			allowed = "<none>"
		}
		return nil, fmt.Errorf("feed: unknown provider %q, allowed providers: %s", key, allowed)
	}
	if options == nil {
		options = map[string]string{}
	}
	return factory(Settings{Provider: key, Options: options})
}

// CreateFromEnv selects a provider via the FEED_PROVIDER env var
// (defaulting to defaultProvider) and collects options from every
// FEED_OPT_* variable, lower-casing the option name after the prefix.
func (r *Registry) CreateFromEnv(defaultProvider string) (DataFeed, error) {
	provider := os.Getenv("FEED_PROVIDER")
	if provider == "" {
		provider = defaultProvider
	}
	return r.Create(provider, extractFeedOptions(os.Environ()))
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func extractFeedOptions(environ []string) map[string]string {
	const prefix = "FEED_OPT_"
	options := map[string]string{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(key, prefix)))
		if name == "" {
			continue
		}
		options[name] = value
	}
	return options
}

// TsEventTime converts a Record's unix-seconds TsEvent to a time.Time.
func TsEventTime(r Record) time.Time {
	return time.Unix(r.TsEvent, 0).UTC()
}
