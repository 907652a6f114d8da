package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/pubsub"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Prefix namespaces every key and the change channel.
	Prefix string `mapstructure:"prefix"`
	// LeaseTTL is how long a silent client keeps its disconnect actions
	// pending before another client performs them.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// ResyncInterval re-reads every subscription to cover dropped change
	// notifications.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	// StreamMaxLen caps each child-added stream (approximate trimming).
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
	// Retention expires keys below the given prefixes. This is how an
	// operator bounds abandoned session records.
	Retention []RetentionRule `mapstructure:"retention"`
}

// RetentionRule expires everything below Prefix TTL after its last write.
type RetentionRule struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

func (c *RedisConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "relay"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Second
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
}

// RedisStore keeps the relay tree in Redis:
//
//	<prefix>:v:<path>   leaf value (JSON scalar or array)
//	<prefix>:c:<path>   set of child names of an object node
//	<prefix>:a:<path>   stream of child names in the order they appeared
//	<prefix>:leases     sorted set of client id -> lease expiry (unix ms)
//	<prefix>:od:<id>    set of paths removed when client <id> disconnects
//
// Every mutation is announced on the changes channel. Subscriptions re-read
// the affected paths when an announcement arrives and on a resync timer.
type RedisStore struct {
	client     *redis.Client
	ownsClient bool
	ps         *pubsub.RedisPubSub
	cfg        RedisConfig
	id         string
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan []string

	mu     sync.Mutex
	closed bool
	leased bool
	subs   map[*redisSub]struct{}
}

var _ Store = (*RedisStore)(nil)

type redisSub struct {
	path string
	kind subKind
	d    *deliverer

	mu     sync.Mutex
	primed bool
	last   json.RawMessage
	lastID string
	seen   map[string]struct{}
}

// NewRedisStore connects to Redis and starts the change listener.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s, err := NewRedisStoreFromClient(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// NewRedisStoreFromClient shares client. Close leaves it open.
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, cfg RedisConfig) (*RedisStore, error) {
	cfg.setDefaults()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, opError("ping", "", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client: client,
		ps:     pubsub.NewRedisPubSubFromClient(client, 256),
		cfg:    cfg,
		id:     newKey(),
		now:    time.Now,
		ctx:    runCtx,
		cancel: cancel,
		kick:   make(chan []string, 64),
		subs:   make(map[*redisSub]struct{}),
	}
	s.logger = pkglog.Component("relay.redis").With().Str(pkglog.FieldClientID, s.id).Logger()

	// Subscribe before returning so no change published after construction
	// is missed.
	events, err := s.ps.Subscribe(runCtx, s.channel())
	if err != nil {
		cancel()
		return nil, opError("subscribe", s.channel(), err)
	}

	s.wg.Add(2)
	go s.listen(events)
	go s.leaseLoop()

	return s, nil
}

// ID returns the client id used for disconnect leases.
func (s *RedisStore) ID() string { return s.id }

func (s *RedisStore) channel() string             { return pubsub.RelayChangesChannel(s.cfg.Prefix) }
func (s *RedisStore) leafKey(p string) string     { return s.cfg.Prefix + ":v:" + p }
func (s *RedisStore) setKey(p string) string      { return s.cfg.Prefix + ":c:" + p }
func (s *RedisStore) streamKey(p string) string   { return s.cfg.Prefix + ":a:" + p }
func (s *RedisStore) leasesKey() string           { return s.cfg.Prefix + ":leases" }
func (s *RedisStore) actionsKey(id string) string { return s.cfg.Prefix + ":od:" + id }

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// retention returns the TTL for keys of node p, or zero.
func (s *RedisStore) retention(p string) time.Duration {
	for _, r := range s.cfg.Retention {
		prefix := strings.Trim(r.Prefix, "/")
		if prefix != "" && p != prefix && Contains(prefix, p) {
			return r.TTL
		}
	}
	return 0
}

// Write implements Store.
func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "write", []pendingWrite{{path: p, value: v}})
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	base, err := cleanWritable(path)
	if err != nil {
		return err
	}
	writes := make([]pendingWrite, 0, len(fields))
	for k, raw := range fields {
		rel, err := cleanWritable(k)
		if err != nil {
			return err
		}
		v, err := normalize(raw)
		if err != nil {
			return err
		}
		writes = append(writes, pendingWrite{path: Join(base, rel), value: v})
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].path < writes[j].path })
	return s.mutate(ctx, "update", writes)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

// CompareAndDelete implements Store. The subtree keys are watched, so a
// write landing between the comparison and the delete aborts the delete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, path string, expected json.RawMessage) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	p, err := cleanWritable(path)
	if err != nil {
		return false, err
	}

	var leaves []string
	sets := make(map[string][]string)
	if err := s.collect(ctx, p, &leaves, sets); err != nil {
		return false, opError("compare_delete", p, err)
	}
	keys := append([]string{s.setKey(p)}, leaves...)
	for node := range sets {
		keys = append(keys, s.setKey(node))
	}

	deleted := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		node, err := s.loadFrom(ctx, tx, p)
		if err != nil {
			return err
		}
		if !sameValue(node, expected) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.SRem(ctx, s.setKey(Parent(p)), Base(p))
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, keys...)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, opError("compare_delete", p, err)
	case !deleted:
		return false, nil
	}

	if err := s.prune(ctx, Parent(p)); err != nil {
		s.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, p).Msg("prune failed")
	}
	s.announce(ctx, []string{p})
	return true, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := newKey()
	if err := s.Write(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if s.isClosed() {
		return Snapshot{}, ErrClosed
	}
	p, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}
	node, err := s.load(ctx, p)
	if err != nil {
		return Snapshot{}, opError("read", p, err)
	}
	return Snapshot{Path: p, Key: Base(p), Raw: encode(node)}, nil
}

type pendingWrite struct {
	path  string
	value any
}

type childAdd struct {
	parent string
	key    string
}

// mutate applies writes in one MULTI/EXEC, then records child additions,
// prunes emptied parents and announces the change.
func (s *RedisStore) mutate(ctx context.Context, op string, writes []pendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	type prior struct {
		leaves []string
		sets   map[string][]string
	}
	priors := make([]prior, len(writes))
	for i, w := range writes {
		pr := prior{sets: make(map[string][]string)}
		if err := s.collect(ctx, w.path, &pr.leaves, pr.sets); err != nil {
			return opError(op, w.path, err)
		}
		priors[i] = pr
	}

	var adds []childAdd
	type ancestorAdd struct {
		parent string
		key    string
		cmd    *redis.IntCmd
	}
	var ancestors []ancestorAdd

	pipe := s.client.TxPipeline()
	for i, w := range writes {
		pr := priors[i]
		if len(pr.leaves) > 0 {
			pipe.Del(ctx, pr.leaves...)
		}
		for node := range pr.sets {
			pipe.Del(ctx, s.setKey(node))
		}

		if w.value == nil {
			if w.path != "" {
				pipe.SRem(ctx, s.setKey(Parent(w.path)), Base(w.path))
			}
			continue
		}

		walkTree(w.path, w.value,
			func(node string, children []string) {
				members := make([]any, len(children))
				for j, c := range children {
					members[j] = c
				}
				pipe.SAdd(ctx, s.setKey(node), members...)
				if ttl := s.retention(node); ttl > 0 {
					pipe.Expire(ctx, s.setKey(node), ttl)
				}
				before := make(map[string]struct{}, len(pr.sets[node]))
				for _, c := range pr.sets[node] {
					before[c] = struct{}{}
				}
				for _, c := range children {
					if _, ok := before[c]; !ok {
						adds = append(adds, childAdd{parent: node, key: c})
					}
				}
			},
			func(leaf string, raw json.RawMessage) {
				pipe.Set(ctx, s.leafKey(leaf), []byte(raw), s.retention(leaf))
			},
		)

		// Link the written node into its ancestors. An ancestor holding a
		// scalar becomes an object.
		child := w.path
		for child != "" {
			parent := Parent(child)
			if parent != "" {
				pipe.Del(ctx, s.leafKey(parent))
			}
			ancestors = append(ancestors, ancestorAdd{
				parent: parent,
				key:    Base(child),
				cmd:    pipe.SAdd(ctx, s.setKey(parent), Base(child)),
			})
			if ttl := s.retention(parent); ttl > 0 {
				pipe.Expire(ctx, s.setKey(parent), ttl)
			}
			child = parent
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return opError(op, writes[0].path, err)
	}

	for _, a := range ancestors {
		if a.cmd.Val() > 0 {
			adds = append(adds, childAdd{parent: a.parent, key: a.key})
		}
	}

	changed := make([]string, 0, len(writes))
	for _, w := range writes {
		changed = append(changed, w.path)
		if w.value == nil {
			if err := s.prune(ctx, Parent(w.path)); err != nil {
				s.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, w.path).Msg("prune failed")
			}
		}
	}

	if len(adds) > 0 {
		pipe := s.client.Pipeline()
		for _, a := range adds {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.streamKey(a.parent),
				MaxLen: s.cfg.StreamMaxLen,
				Approx: true,
				Values: map[string]any{"k": a.key},
			})
			if ttl := s.retention(a.parent); ttl > 0 {
				pipe.Expire(ctx, s.streamKey(a.parent), ttl)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return opError(op, writes[0].path, err)
		}
	}

	s.announce(ctx, changed)
	return nil
}

// collect gathers the leaf keys and child sets of the subtree at p.
func (s *RedisStore) collect(ctx context.Context, p string, leaves *[]string, sets map[string][]string) error {
	*leaves = append(*leaves, s.leafKey(p))
	members, err := s.client.SMembers(ctx, s.setKey(p)).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	sets[p] = members
	for _, m := range members {
		if err := s.collect(ctx, Join(p, m), leaves, sets); err != nil {
			return err
		}
	}
	return nil
}

// prune unlinks p from its parent while p has neither children nor a value.
func (s *RedisStore) prune(ctx context.Context, p string) error {
	for p != "" {
		n, err := s.client.SCard(ctx, s.setKey(p)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		exists, err := s.client.Exists(ctx, s.leafKey(p)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		if err := s.client.SRem(ctx, s.setKey(Parent(p)), Base(p)).Err(); err != nil {
			return err
		}
		p = Parent(p)
	}
	return nil
}

// nodeReader is the part of a client or transaction that load needs.
type nodeReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// load assembles the node at p. A nil result means absent.
func (s *RedisStore) load(ctx context.Context, p string) (any, error) {
	return s.loadFrom(ctx, s.client, p)
}

func (s *RedisStore) loadFrom(ctx context.Context, r nodeReader, p string) (any, error) {
	raw, err := r.Get(ctx, s.leafKey(p)).Bytes()
	switch {
	case err == nil:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case !errors.Is(err, redis.Nil):
		return nil, err
	}

	members, err := r.SMembers(ctx, s.setKey(p)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(members))
	for _, k := range members {
		c, err := s.loadFrom(ctx, r, Join(p, k))
		if err != nil {
			return nil, err
		}
		if c != nil {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (s *RedisStore) announce(ctx context.Context, paths []string) {
	select {
	case s.kick <- paths:
	default:
	}
	for _, p := range paths {
		evt, err := pubsub.NewEvent(pubsub.EventPathChanged, p, s.id, nil)
		if err != nil {
			continue
		}
		if err := s.ps.Publish(ctx, s.channel(), evt); err != nil {
			s.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, p).Msg("change announcement failed")
		}
	}
}

// SubscribeChildAdded implements Store.
func (s *RedisStore) SubscribeChildAdded(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(ctx, path, subChild, fn)
}

// SubscribeValue implements Store.
func (s *RedisStore) SubscribeValue(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(ctx, path, subValue, fn)
}

func (s *RedisStore) subscribe(ctx context.Context, path string, kind subKind, fn Handler) (Unsubscribe, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	sub := &redisSub{path: p, kind: kind, lastID: "0-0"}
	if kind == subChild {
		sub.seen = make(map[string]struct{})
	}

	if err := s.prime(ctx, sub); err != nil {
		return nil, opError("subscribe", p, err)
	}
	sub.d = newDeliverer(fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.d.close()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	// Deliver the initial state now that the deliverer exists, then catch
	// up on anything that changed while priming.
	s.deliverInitial(sub)
	s.refresh(s.ctx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			sub.d.close()
		})
	}, nil
}

// prime reads the initial state of sub without delivering it.
func (s *RedisStore) prime(ctx context.Context, sub *redisSub) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.kind == subValue {
		node, err := s.load(ctx, sub.path)
		if err != nil {
			return err
		}
		sub.last = encode(node)
		return nil
	}

	// Take the stream position first so additions racing the listing show
	// up in the next read; seen filters the overlap.
	last, err := s.client.XRevRangeN(ctx, s.streamKey(sub.path), "+", "-", 1).Result()
	if err != nil {
		return err
	}
	if len(last) > 0 {
		sub.lastID = last[0].ID
	}
	return nil
}

func (s *RedisStore) deliverInitial(sub *redisSub) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.kind == subValue {
		sub.primed = true
		sub.d.push(Snapshot{Path: sub.path, Key: Base(sub.path), Raw: sub.last})
		return
	}

	node, err := s.load(s.ctx, sub.path)
	if err != nil {
		s.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, sub.path).Msg("initial child listing failed")
		return
	}
	m, _ := node.(map[string]any)
	for _, k := range childKeys(m) {
		sub.seen[k] = struct{}{}
		sub.d.push(Snapshot{Path: Join(sub.path, k), Key: k, Raw: encode(m[k])})
	}
	sub.primed = true
}

// refresh brings sub up to date with Redis.
func (s *RedisStore) refresh(ctx context.Context, sub *redisSub) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.primed {
		return
	}

	switch sub.kind {
	case subValue:
		node, err := s.load(ctx, sub.path)
		if err != nil {
			s.logger.Debug().Err(err).Str(pkglog.FieldRelayPath, sub.path).Msg("value refresh failed")
			return
		}
		raw := encode(node)
		if bytes.Equal(raw, sub.last) {
			return
		}
		sub.last = raw
		sub.d.push(Snapshot{Path: sub.path, Key: Base(sub.path), Raw: raw})

	case subChild:
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.streamKey(sub.path), sub.lastID},
			Count:   256,
			Block:   -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.logger.Debug().Err(err).Str(pkglog.FieldRelayPath, sub.path).Msg("child refresh failed")
			}
			return
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				sub.lastID = msg.ID
				key, _ := msg.Values["k"].(string)
				if key == "" {
					continue
				}
				if _, ok := sub.seen[key]; ok {
					continue
				}
				node, err := s.load(ctx, Join(sub.path, key))
				if err != nil || node == nil {
					continue
				}
				sub.seen[key] = struct{}{}
				sub.d.push(Snapshot{Path: Join(sub.path, key), Key: key, Raw: encode(node)})
			}
		}
	}
}

func (s *RedisStore) refreshRelated(paths []string) {
	s.mu.Lock()
	subs := make([]*redisSub, 0, len(s.subs))
	for sub := range s.subs {
		if paths == nil || relatedAny(sub.path, paths) {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.refresh(s.ctx, sub)
	}
}

// listen consumes change announcements and resyncs on a timer. A dropped
// subscription is re-established after a short pause, followed by a full
// resync.
func (s *RedisStore) listen(events <-chan *pubsub.Event) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case paths := <-s.kick:
			s.refreshRelated(paths)
		case <-ticker.C:
			s.refreshRelated(nil)
		case evt, ok := <-events:
			if !ok {
				events = s.resubscribe()
				if events == nil {
					return
				}
				s.refreshRelated(nil)
				continue
			}
			s.refreshRelated([]string{evt.Path})
		}
	}
}

func (s *RedisStore) resubscribe() <-chan *pubsub.Event {
	for {
		s.logger.Warn().Msg("relay change subscription lost, reconnecting in 2s")
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
		events, err := s.ps.Subscribe(s.ctx, s.channel())
		if err == nil {
			return events
		}
		if s.ctx.Err() != nil {
			return nil
		}
	}
}

// OnDisconnect implements Store.
func (s *RedisStore) OnDisconnect(ctx context.Context, path string, action DisconnectAction) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	if !action.valid() {
		return fmt.Errorf("relay: unsupported disconnect action %s", action)
	}

	pipe := s.client.TxPipeline()
	if action == DisconnectCancel {
		pipe.SRem(ctx, s.actionsKey(s.id), p)
	} else {
		pipe.SAdd(ctx, s.actionsKey(s.id), p)
	}
	pipe.ZAdd(ctx, s.leasesKey(), redis.Z{Score: s.leaseExpiry(), Member: s.id})
	if _, err := pipe.Exec(ctx); err != nil {
		return opError("on_disconnect", p, err)
	}

	s.mu.Lock()
	s.leased = true
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) leaseExpiry() float64 {
	return float64(s.now().Add(s.cfg.LeaseTTL).UnixMilli())
}

func (s *RedisStore) leaseLoop() {
	defer s.wg.Done()

	interval := s.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.renewLease(s.ctx)
			s.sweep(s.ctx)
		}
	}
}

func (s *RedisStore) renewLease(ctx context.Context) {
	s.mu.Lock()
	leased := s.leased
	s.mu.Unlock()
	if !leased {
		return
	}
	if err := s.client.ZAdd(ctx, s.leasesKey(), redis.Z{Score: s.leaseExpiry(), Member: s.id}).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("lease renewal failed")
	}
}

// sweep performs the disconnect actions of clients whose lease expired.
// ZREM decides which sweeper owns an expired lease.
func (s *RedisStore) sweep(ctx context.Context) {
	upper := strconv.FormatInt(s.now().UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		s.logger.Debug().Err(err).Msg("lease sweep failed")
		return
	}
	for _, id := range expired {
		if id == s.id {
			continue
		}
		n, err := s.client.ZRem(ctx, s.leasesKey(), id).Result()
		if err != nil || n == 0 {
			continue
		}
		s.logger.Info().Str("expired_client", id).Msg("running disconnect actions of expired client")
		s.runActions(ctx, id)
	}
}

func (s *RedisStore) runActions(ctx context.Context, id string) {
	paths, err := s.client.SMembers(ctx, s.actionsKey(id)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("owner", id).Msg("reading disconnect actions failed")
		return
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := s.mutate(ctx, "on_disconnect", []pendingWrite{{path: p}}); err != nil {
			s.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, p).Msg("disconnect action failed")
		}
	}
	s.client.Del(ctx, s.actionsKey(id))
}

// Close implements Store. The client's own disconnect actions run before
// the connection is released.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leased := s.leased
	subs := s.subs
	s.subs = make(map[*redisSub]struct{})
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	for sub := range subs {
		sub.d.close()
	}

	if leased {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.runActions(ctx, s.id)
		s.client.ZRem(ctx, s.leasesKey(), s.id)
		cancel()
	}

	s.ps.Close()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// abandon stops the store without running its disconnect actions, the way
// a crashed process would.
func (s *RedisStore) abandon() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[*redisSub]struct{})
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for sub := range subs {
		sub.d.close()
	}
	s.ps.Close()
}
