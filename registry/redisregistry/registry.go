// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisregistry provides a route registry stored in Redis.
//
// Each route is stored as JSON under "<prefix>:route:<service ID>", and the
// set of service IDs is kept in "<prefix>:routes". Every mutation publishes
// an event on the "<prefix>:events" channel, so that all processes sharing
// the registry observe created, changed and removed routes.
package redisregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/registry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
)

const (
	defaultPrefix    = "rpclb"
	maxWatchAttempts = 8
	eventTypeCreated = "created"
	eventTypeChanged = "changed"
	eventTypeRemoved = "removed"
)

// Option configures a Registry.
type Option interface {
	apply(*Registry)
}

// WithPrefix sets the key prefix. The default is "rpclb".
func WithPrefix(prefix string) Option {
	return optionFunc(func(r *Registry) {
		r.prefix = prefix
	})
}

// WithLogger sets the logger used to report malformed events and
// subscription errors.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(r *Registry) {
		r.logger = logger
	})
}

type optionFunc func(*Registry)

func (f optionFunc) apply(r *Registry) {
	f(r)
}

// Dial creates a Redis client from a URL such as "redis://localhost:6379/0".
func Dial(redisURL string, options ...func(*redis.Options)) (redis.UniversalClient, error) {
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}
	for _, opt := range options {
		opt(redisOptions)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{redisOptions.Addr},
		DB:           redisOptions.DB,
		Username:     redisOptions.Username,
		Password:     redisOptions.Password,
		DialTimeout:  redisOptions.DialTimeout,
		ReadTimeout:  redisOptions.ReadTimeout,
		WriteTimeout: redisOptions.WriteTimeout,
		MaxRetries:   redisOptions.MaxRetries,
		PoolSize:     redisOptions.PoolSize,
		TLSConfig:    redisOptions.TLSConfig,
	}), nil
}

// Registry is a registry.Registry backed by Redis.
type Registry struct {
	client redis.UniversalClient
	prefix string
	logger log.Logger

	mu sync.Mutex
	// +checklocks:mu
	listeners map[int]registry.Listener
	// +checklocks:mu
	nextID int
	// +checklocks:mu
	stopWatching context.CancelFunc
	// +checklocks:mu
	watchDone chan struct{}
}

var _ registry.Registry = (*Registry)(nil)

// New returns a registry that stores routes using the given client. The
// client is not closed by Registry.Close.
func New(client redis.UniversalClient, opts ...Option) *Registry {
	reg := &Registry{
		client:    client,
		prefix:    defaultPrefix,
		logger:    log.NewNopLogger(),
		listeners: map[int]registry.Listener{},
	}
	for _, opt := range opts {
		opt.apply(reg)
	}
	reg.logger = log.With(reg.logger, "component", "redisregistry")
	return reg
}

// Subscribe implements registry.Subscriber. The first subscription starts
// listening on the events channel.
func (r *Registry) Subscribe(listener registry.Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = listener
	if r.stopWatching == nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopWatching = cancel
		r.watchDone = make(chan struct{})
		pubsub := r.client.Subscribe(ctx, r.eventsChannel())
		go r.watch(ctx, pubsub, r.watchDone)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Close stops the event subscription, if any.
func (r *Registry) Close() error {
	r.mu.Lock()
	cancel, done := r.stopWatching, r.watchDone
	r.stopWatching, r.watchDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Locate implements registry.Registry.
func (r *Registry) Locate(ctx context.Context, serviceID string) (registry.Route, error) {
	data, err := r.client.Get(ctx, r.routeKey(serviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return registry.Route{}, fmt.Errorf("%w: %s", registry.ErrRouteNotFound, serviceID)
	} else if err != nil {
		return registry.Route{}, fmt.Errorf("get route %s: %w", serviceID, err)
	}
	return decodeRoute(data)
}

// Routes implements registry.Registry.
func (r *Registry) Routes(ctx context.Context) ([]registry.Route, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	routes := make([]registry.Route, 0, len(ids))
	for _, id := range ids {
		route, err := r.Locate(ctx, id)
		if errors.Is(err, registry.ErrRouteNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// SetRoute stores a route and publishes a created or changed event.
func (r *Registry) SetRoute(ctx context.Context, route registry.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	key := r.routeKey(route.Descriptor.ID)
	return r.watchKey(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		eventType := eventTypeCreated
		if exists > 0 {
			eventType = eventTypeChanged
		}
		event, err := encodeEvent(eventType, route)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.indexKey(), route.Descriptor.ID)
			pipe.Publish(ctx, r.eventsChannel(), event)
			return nil
		})
		return err
	})
}

// DeleteRoute removes a route and publishes a removed event. Deleting a
// route that does not exist is not an error.
func (r *Registry) DeleteRoute(ctx context.Context, serviceID string) error {
	key := r.routeKey(serviceID)
	return r.watchKey(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		route, err := decodeRoute(data)
		if err != nil {
			return err
		}
		event, err := encodeEvent(eventTypeRemoved, route)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, r.indexKey(), serviceID)
			pipe.Publish(ctx, r.eventsChannel(), event)
			return nil
		})
		return err
	})
}

// RemoveAddresses implements registry.Registry. Each affected route is
// rewritten in its own transaction.
func (r *Registry) RemoveAddresses(ctx context.Context, endpoints []endpoint.Endpoint, serviceID string) error {
	remove := make(map[endpoint.Endpoint]struct{}, len(endpoints))
	for _, ep := range endpoints {
		remove[ep] = struct{}{}
	}
	ids := []string{serviceID}
	if serviceID == "" {
		var err error
		ids, err = r.client.SMembers(ctx, r.indexKey()).Result()
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
	}
	var errs []error
	for _, id := range ids {
		if err := r.removeFromRoute(ctx, id, remove); err != nil {
			errs = append(errs, fmt.Errorf("remove addresses from %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) removeFromRoute(ctx context.Context, serviceID string, remove map[endpoint.Endpoint]struct{}) error {
	key := r.routeKey(serviceID)
	return r.watchKey(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		route, err := decodeRoute(data)
		if err != nil {
			return err
		}
		kept, filtered := registry.FilterAddresses(route.Addresses, remove)
		if !filtered {
			return nil
		}
		route.Addresses = kept
		updated, err := json.Marshal(route)
		if err != nil {
			return err
		}
		event, err := encodeEvent(eventTypeChanged, route)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.Publish(ctx, r.eventsChannel(), event)
			return nil
		})
		return err
	})
}

// watchKey runs fn in an optimistic transaction on key, retrying when the
// key is modified concurrently.
func (r *Registry) watchKey(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	var err error
	for range maxWatchAttempts {
		err = r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *Registry) watch(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = pubsub.Close()
	}()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			eventType, route, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				_ = level.Warn(r.logger).Log("msg", "dropping malformed registry event", "err", err)
				continue
			}
			r.dispatch(eventType, route)
		}
	}
}

func (r *Registry) dispatch(eventType string, route registry.Route) {
	r.mu.Lock()
	listeners := make([]registry.Listener, 0, len(r.listeners))
	for _, listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.mu.Unlock()
	for _, listener := range listeners {
		switch eventType {
		case eventTypeCreated:
			listener.OnCreated(route)
		case eventTypeChanged:
			listener.OnChanged(route)
		case eventTypeRemoved:
			listener.OnRemoved(route)
		}
	}
}

func (r *Registry) routeKey(serviceID string) string {
	return r.prefix + ":route:" + serviceID
}

func (r *Registry) indexKey() string {
	return r.prefix + ":routes"
}

func (r *Registry) eventsChannel() string {
	return r.prefix + ":events"
}

type event struct {
	Type  string         `json:"type"`
	Route registry.Route `json:"route"`
}

func encodeEvent(eventType string, route registry.Route) ([]byte, error) {
	data, err := json.Marshal(event{Type: eventType, Route: route})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (string, registry.Route, error) {
	var evt event
	if err := json.Unmarshal(data, &evt); err != nil {
		return "", registry.Route{}, fmt.Errorf("decode event: %w", err)
	}
	switch evt.Type {
	case eventTypeCreated, eventTypeChanged, eventTypeRemoved:
		return evt.Type, evt.Route, nil
	default:
		return "", registry.Route{}, fmt.Errorf("unknown event type %q", evt.Type)
	}
}

func decodeRoute(data []byte) (registry.Route, error) {
	var route registry.Route
	if err := json.Unmarshal(data, &route); err != nil {
		return registry.Route{}, fmt.Errorf("decode route: %w", err)
	}
	return route, nil
}
