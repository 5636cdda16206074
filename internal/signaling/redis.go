package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

// RedisStore implements Store over a shared Redis instance. Node layout
// mirrors the conceptual paths:
//
//	masters/{masterId}                     presence JSON
//	masters:active                         set of on-duty master ids
//	masterRequests/{masterId}              hash requestId -> signal JSON
//	requestMasters/{requestId}             set of master ids holding a signal
//	ongoingMasters/{requestId}             assignment JSON
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func (r *RedisStore) Close() error { return r.client.Close() }

// Ping is used by readiness probes.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) SetPresence(ctx context.Context, p models.Presence) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, presenceKey(p.MasterID), b, 0)
	if p.Active {
		pipe.SAdd(ctx, activeSetKey, p.MasterID)
	} else {
		pipe.SRem(ctx, activeSetKey, p.MasterID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ClearPresence(ctx context.Context, masterID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, presenceKey(masterID))
	pipe.SRem(ctx, activeSetKey, masterID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Presence(ctx context.Context, masterID string) (models.Presence, bool, error) {
	b, err := r.client.Get(ctx, presenceKey(masterID)).Bytes()
	if err == redis.Nil {
		return models.Presence{}, false, nil
	}
	if err != nil {
		return models.Presence{}, false, err
	}
	var p models.Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Presence{}, false, err
	}
	return p, true, nil
}

func (r *RedisStore) ActiveMasters(ctx context.Context) ([]models.Presence, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		p, ok, err := r.Presence(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisStore) PutSignal(ctx context.Context, s models.Signal) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, signalKey(s.MasterID), s.RequestID, b)
	pipe.SAdd(ctx, requestMastersKey(s.RequestID), s.MasterID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Signals(ctx context.Context, masterID string) ([]models.Signal, error) {
	m, err := r.client.HGetAll(ctx, signalKey(masterID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Signal, 0, len(m))
	for _, raw := range m {
		var s models.Signal
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			// a malformed node is disposable, skip it
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) ClearSignal(ctx context.Context, masterID, requestID string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, signalKey(masterID), requestID)
	pipe.SRem(ctx, requestMastersKey(requestID), masterID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ClearRequestSignals(ctx context.Context, requestID string) error {
	ids, err := r.client.SMembers(ctx, requestMastersKey(requestID)).Result()
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.HDel(ctx, signalKey(id), requestID)
	}
	pipe.Del(ctx, requestMastersKey(requestID))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) SetAssignment(ctx context.Context, a models.Assignment) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, assignmentKey(a.RequestID), b, 0).Err()
}

func (r *RedisStore) Assignment(ctx context.Context, requestID string) (models.Assignment, bool, error) {
	b, err := r.client.Get(ctx, assignmentKey(requestID)).Bytes()
	if err == redis.Nil {
		return models.Assignment{}, false, nil
	}
	if err != nil {
		return models.Assignment{}, false, err
	}
	var a models.Assignment
	if err := json.Unmarshal(b, &a); err != nil {
		return models.Assignment{}, false, err
	}
	return a, true, nil
}

func (r *RedisStore) ClearAssignment(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, assignmentKey(requestID)).Err()
}

const activeSetKey = "masters:active"

func presenceKey(masterID string) string { return "masters/" + masterID }
func signalKey(masterID string) string   { return "masterRequests/" + masterID }
func requestMastersKey(requestID string) string {
	return fmt.Sprintf("requestMasters/%s", requestID)
}
func assignmentKey(requestID string) string { return "ongoingMasters/" + requestID }
